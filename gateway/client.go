package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/nibin-joseph05/spice-shop/circuitbreaker"

	"go.uber.org/zap"
)

// ErrUnavailable is returned when the gateway cannot be reached, times out,
// or the circuit is open. The caller treats all three the same way: the order
// is cancelled and the customer retries.
var ErrUnavailable = errors.New("payment gateway unavailable")

// Client is the payment gateway contract: create a remote payment intent for
// an amount (in minor units), and verify the signature the gateway attaches
// to its asynchronous payment callbacks.
type Client interface {
	CreateIntent(ctx context.Context, amountMinorUnits int64, currency, receipt string) (string, error)
	VerifySignature(gatewayOrderID, gatewayPaymentID, signature string) bool
}

// HTTPClient talks to the gateway's REST API with key-id/key-secret basic
// auth, the scheme Razorpay-style processors use.
type HTTPClient struct {
	baseURL   string
	keyID     string
	keySecret string
	client    *http.Client
	breaker   *circuitbreaker.CircuitBreaker
	logger    *zap.Logger
}

func NewHTTPClient(logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:   getEnv("GATEWAY_BASE_URL", "https://api.gateway.example.com"),
		keyID:     getEnv("GATEWAY_KEY_ID", ""),
		keySecret: getEnv("GATEWAY_KEY_SECRET", ""),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker: circuitbreaker.NewCircuitBreaker(5, 30*time.Second),
		logger:  logger,
	}
}

type intentRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
}

type intentResponse struct {
	ID string `json:"id"`
}

// CreateIntent registers a payment intent with the gateway and returns the
// gateway's order id. It is a blocking network call and must never run inside
// the local order transaction.
func (c *HTTPClient) CreateIntent(ctx context.Context, amountMinorUnits int64, currency, receipt string) (string, error) {
	body, err := json.Marshal(intentRequest{
		Amount:   amountMinorUnits,
		Currency: currency,
		Receipt:  receipt,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal intent request: %w", err)
	}

	var gatewayOrderID string
	err = c.breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/orders", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.SetBasicAuth(c.keyID, c.keySecret)

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return fmt.Errorf("gateway returned status %d", resp.StatusCode)
		}

		var intent intentResponse
		if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
			return fmt.Errorf("failed to decode intent response: %w", err)
		}
		if intent.ID == "" {
			return fmt.Errorf("gateway returned empty order id")
		}
		gatewayOrderID = intent.ID
		return nil
	})

	if err != nil {
		c.logger.Error("Gateway intent creation failed",
			zap.String("receipt", receipt),
			zap.Int64("amount_minor_units", amountMinorUnits),
			zap.Error(err),
		)
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return gatewayOrderID, nil
}

// VerifySignature recomputes the HMAC-SHA256 of "orderID|paymentID" with the
// shared key secret and compares it to the supplied signature in constant
// time.
func (c *HTTPClient) VerifySignature(gatewayOrderID, gatewayPaymentID, signature string) bool {
	return VerifySignature(gatewayOrderID, gatewayPaymentID, signature, c.keySecret)
}

// VerifySignature is the bare signature check, exposed for tests and for
// callers holding the secret themselves.
func VerifySignature(gatewayOrderID, gatewayPaymentID, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(gatewayOrderID + "|" + gatewayPaymentID))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
