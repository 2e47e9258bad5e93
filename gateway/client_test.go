package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nibin-joseph05/spice-shop/circuitbreaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func sign(orderID, paymentID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	secret := "test-secret"
	orderID := "order_MhZ4a1"
	paymentID := "pay_N2xQ9b"

	good := sign(orderID, paymentID, secret)
	assert.True(t, VerifySignature(orderID, paymentID, good, secret))

	assert.False(t, VerifySignature(orderID, paymentID, "deadbeef", secret))
	assert.False(t, VerifySignature(orderID, paymentID, good, "wrong-secret"))
	assert.False(t, VerifySignature("order_other", paymentID, good, secret))
	assert.False(t, VerifySignature(orderID, paymentID, "", secret))
}

func newTestClient(t *testing.T, serverURL string) *HTTPClient {
	return &HTTPClient{
		baseURL:   serverURL,
		keyID:     "key_test",
		keySecret: "secret_test",
		client:    &http.Client{Timeout: 2 * time.Second},
		breaker:   circuitbreaker.NewCircuitBreaker(5, 30*time.Second),
		logger:    zaptest.NewLogger(t),
	}
}

func TestCreateIntent_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/orders", r.URL.Path)

		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "key_test", user)
		assert.Equal(t, "secret_test", pass)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": "order_MhZ4a1"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	id, err := client.CreateIntent(context.Background(), 55000, "INR", "ORD-AB12CD34")
	require.NoError(t, err)
	assert.Equal(t, "order_MhZ4a1", id)
}

func TestCreateIntent_GatewayError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.CreateIntent(context.Background(), 55000, "INR", "ORD-AB12CD34")
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestCreateIntent_CircuitOpens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	client.breaker = circuitbreaker.NewCircuitBreaker(2, time.Minute)

	for i := 0; i < 2; i++ {
		_, err := client.CreateIntent(context.Background(), 100, "INR", "ORD-X")
		require.Error(t, err)
	}

	assert.Equal(t, circuitbreaker.StateOpen, client.breaker.GetState())

	// Circuit is open: the call fails fast without hitting the server.
	_, err := client.CreateIntent(context.Background(), 100, "INR", "ORD-X")
	assert.True(t, errors.Is(err, ErrUnavailable))
}
