package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nibin-joseph05/spice-shop/gateway"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// Mock gateway client for testing.
type mockGatewayClient struct {
	createIntentFunc func(ctx context.Context, amountMinorUnits int64, currency, receipt string) (string, error)
	verifyFunc       func(gatewayOrderID, gatewayPaymentID, signature string) bool
}

func (m *mockGatewayClient) CreateIntent(ctx context.Context, amountMinorUnits int64, currency, receipt string) (string, error) {
	if m.createIntentFunc != nil {
		return m.createIntentFunc(ctx, amountMinorUnits, currency, receipt)
	}
	return "gw_order_test", nil
}

func (m *mockGatewayClient) VerifySignature(gatewayOrderID, gatewayPaymentID, signature string) bool {
	if m.verifyFunc != nil {
		return m.verifyFunc(gatewayOrderID, gatewayPaymentID, signature)
	}
	return true
}

func setupOrderTest(t *testing.T, gatewayClient gateway.Client) (*OrderHandler, sqlmock.Sqlmock, *gin.Engine) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}

	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	// Events and cache invalidation are skipped when producer/redis are nil,
	// so these tests exercise the database path only.
	handler := NewOrderHandler(db, nil, gatewayClient, nil, logger)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(func(c *gin.Context) { c.Set("user_id", int64(1)) })
	router.POST("/orders/place", handler.PlaceOrder)
	router.GET("/orders/history", handler.GetOrderHistory)
	router.GET("/orders/:id", handler.GetOrderDetails)
	router.PATCH("/admin/orders/:id/status", handler.UpdateOrderStatus)

	return handler, mock, router
}

func expectCartSnapshot(mock sqlmock.Sqlmock, price float64, qty, stock int) {
	mock.ExpectQuery("SELECT id FROM carts WHERE user_id = \\$1").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectQuery("SELECT ci.pack_id, ci.quantity, p.spice_name").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"pack_id", "quantity", "spice_name", "quality_class", "pack_weight_grams", "price", "stock"}).
			AddRow(3, qty, "Malabar Black Pepper", "premium", 100, price, stock))
}

const placeOrderBody = `{
	"payment_method": "%s",
	"shipping_address": {
		"first_name": "Asha",
		"address_line1": "12 Spice Market Road",
		"city": "Kochi",
		"state": "Kerala",
		"pin_code": "682001",
		"phone": "9876543210"
	}
}`

func placeOrderRequest(method string) *http.Request {
	body := strings.NewReader(strings.Replace(placeOrderBody, "%s", method, 1))
	req := httptest.NewRequest(http.MethodPost, "/orders/place", body)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestOrderHandler_PlaceOrder_EmptyCart(t *testing.T) {
	handler, mock, router := setupOrderTest(t, &mockGatewayClient{})
	defer handler.db.Close()

	mock.ExpectQuery("SELECT id FROM carts WHERE user_id = \\$1").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, placeOrderRequest("cod"))

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	if !strings.Contains(w.Body.String(), CodeEmptyCart) {
		t.Errorf("Expected error code %s, got: %s", CodeEmptyCart, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestOrderHandler_PlaceOrder_CODSuccess(t *testing.T) {
	handler, mock, router := setupOrderTest(t, &mockGatewayClient{})
	defer handler.db.Close()

	expectCartSnapshot(mock, 100.0, 2, 10)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE spice_packs SET stock = stock - \\$1").
		WithArgs(2, int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO orders").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(11, time.Now()))
	mock.ExpectExec("INSERT INTO order_items").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO payments").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("DELETE FROM carts WHERE id = \\$1").
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery("SELECT email FROM users WHERE id = \\$1").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow("asha@example.com"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, placeOrderRequest("cod"))

	if w.Code != http.StatusCreated {
		t.Errorf("Expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"order_number":"ORD-`) {
		t.Errorf("Expected an order number in response, got: %s", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"total":250`) {
		t.Errorf("Expected total of 250 (200 subtotal + 50 shipping), got: %s", w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestOrderHandler_PlaceOrder_FreezesPackValuesOnOrderItem(t *testing.T) {
	handler, mock, router := setupOrderTest(t, &mockGatewayClient{})
	defer handler.db.Close()

	expectCartSnapshot(mock, 150.0, 2, 10)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE spice_packs SET stock = stock - \\$1").
		WithArgs(2, int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO orders").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(11, time.Now()))
	// The item row carries the pack's name, grade, weight and price as they
	// were at order time.
	mock.ExpectExec("INSERT INTO order_items").
		WithArgs(int64(11), int64(3), "Malabar Black Pepper", "premium", 100, 150.0, 2).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO payments").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("DELETE FROM carts WHERE id = \\$1").
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery("SELECT email FROM users WHERE id = \\$1").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow("asha@example.com"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, placeOrderRequest("cod"))

	if w.Code != http.StatusCreated {
		t.Errorf("Expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestOrderHandler_GetOrderDetails_ServesFrozenSnapshot(t *testing.T) {
	handler, mock, router := setupOrderTest(t, &mockGatewayClient{})
	defer handler.db.Close()

	now := time.Now()
	orderRow := sqlmock.NewRows([]string{
		"id", "order_number", "user_id", "subtotal", "shipping_cost", "total",
		"order_status", "payment_status", "payment_method", "gateway_order_id",
		"shipping_first_name", "shipping_last_name", "shipping_address_line1", "shipping_address_line2",
		"shipping_city", "shipping_state", "shipping_pin_code", "shipping_phone",
		"order_notes", "created_at", "updated_at", "paid_at",
	}).AddRow(
		11, "ORD-AB12CD34", 1, 300.0, 50.0, 350.0,
		"processing", "pending", "cod", nil,
		"Asha", "", "12 Spice Market Road", "",
		"Kochi", "Kerala", "682001", "9876543210",
		"", now, now, nil,
	)
	mock.ExpectQuery("FROM orders WHERE id = \\$1 AND user_id = \\$2").
		WithArgs(int64(11), int64(1)).
		WillReturnRows(orderRow)

	// The details come from the order_items snapshot: the response still
	// shows the old price and name no matter what happened to the pack since.
	itemRows := sqlmock.NewRows([]string{"id", "order_id", "pack_id", "spice_name", "quality_class", "pack_weight_grams", "unit_price", "quantity"}).
		AddRow(31, 11, 3, "Malabar Black Pepper", "premium", 100, 150.0, 2)
	mock.ExpectQuery("SELECT id, order_id, pack_id, spice_name, quality_class, pack_weight_grams, unit_price, quantity").
		WithArgs(int64(11)).
		WillReturnRows(itemRows)

	req := httptest.NewRequest(http.MethodGet, "/orders/11", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"spice_name":"Malabar Black Pepper"`) {
		t.Errorf("Expected frozen spice name in response, got: %s", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"unit_price":150`) {
		t.Errorf("Expected frozen unit price in response, got: %s", w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestOrderHandler_PlaceOrder_CODInsufficientStockRollsBack(t *testing.T) {
	handler, mock, router := setupOrderTest(t, &mockGatewayClient{})
	defer handler.db.Close()

	// The snapshot passes the soft check but a concurrent order drains the
	// pack before the conditional decrement runs.
	expectCartSnapshot(mock, 100.0, 2, 10)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE spice_packs SET stock = stock - \\$1").
		WithArgs(2, int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, placeOrderRequest("cod"))

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	if !strings.Contains(w.Body.String(), CodeInsufficientStock) {
		t.Errorf("Expected error code %s, got: %s", CodeInsufficientStock, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestOrderHandler_PlaceOrder_CODLimitExceeded(t *testing.T) {
	handler, mock, router := setupOrderTest(t, &mockGatewayClient{})
	defer handler.db.Close()

	// 2 x 3000 = 6000, over the default COD ceiling of 5000.
	expectCartSnapshot(mock, 3000.0, 2, 10)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, placeOrderRequest("cod"))

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	if !strings.Contains(w.Body.String(), CodeCodLimitExceeded) {
		t.Errorf("Expected error code %s, got: %s", CodeCodLimitExceeded, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestOrderHandler_PlaceOrder_GatewaySuccess(t *testing.T) {
	var gotAmount int64
	var gotCurrency string
	client := &mockGatewayClient{
		createIntentFunc: func(ctx context.Context, amountMinorUnits int64, currency, receipt string) (string, error) {
			gotAmount = amountMinorUnits
			gotCurrency = currency
			return "gw_order_123", nil
		},
	}
	handler, mock, router := setupOrderTest(t, client)
	defer handler.db.Close()

	expectCartSnapshot(mock, 100.0, 2, 10)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO orders").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(11, time.Now()))
	mock.ExpectExec("INSERT INTO order_items").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO payments").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE payments SET gateway_order_id = \\$1").
		WithArgs("gw_order_123", int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, placeOrderRequest("gateway"))

	if w.Code != http.StatusCreated {
		t.Errorf("Expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "gw_order_123") {
		t.Errorf("Expected gateway order id in response, got: %s", w.Body.String())
	}
	if gotAmount != 25000 {
		t.Errorf("Expected intent amount of 25000 minor units, got %d", gotAmount)
	}
	if gotCurrency != "INR" {
		t.Errorf("Expected INR currency, got %q", gotCurrency)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestOrderHandler_PlaceOrder_GatewayUnavailable(t *testing.T) {
	client := &mockGatewayClient{
		createIntentFunc: func(ctx context.Context, amountMinorUnits int64, currency, receipt string) (string, error) {
			return "", gateway.ErrUnavailable
		},
	}
	handler, mock, router := setupOrderTest(t, client)
	defer handler.db.Close()

	expectCartSnapshot(mock, 100.0, 2, 10)

	// The cancelled order is still persisted; stock and cart are untouched.
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO orders").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(11, time.Now()))
	mock.ExpectExec("INSERT INTO order_items").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO payments").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE payments SET failure_reason = \\$1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, placeOrderRequest("gateway"))

	if w.Code != http.StatusBadGateway {
		t.Errorf("Expected status %d, got %d: %s", http.StatusBadGateway, w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), CodeGatewayUnavailable) {
		t.Errorf("Expected error code %s, got: %s", CodeGatewayUnavailable, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestOrderHandler_GetOrderDetails_OtherUsersOrderIsNotFound(t *testing.T) {
	handler, mock, router := setupOrderTest(t, &mockGatewayClient{})
	defer handler.db.Close()

	// The ownership filter is part of the query itself.
	mock.ExpectQuery("SELECT (.+) FROM orders WHERE id = \\$1 AND user_id = \\$2").
		WithArgs(int64(11), int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	req := httptest.NewRequest(http.MethodGet, "/orders/11", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestOrderHandler_UpdateOrderStatus_ValidTransition(t *testing.T) {
	handler, mock, router := setupOrderTest(t, &mockGatewayClient{})
	defer handler.db.Close()

	mock.ExpectQuery("SELECT order_status FROM orders WHERE id = \\$1").
		WithArgs(int64(11)).
		WillReturnRows(sqlmock.NewRows([]string{"order_status"}).AddRow("processing"))
	mock.ExpectExec("UPDATE orders SET order_status = \\$1").
		WithArgs("shipped", int64(11), "processing").
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := strings.NewReader(`{"status": "shipped"}`)
	req := httptest.NewRequest(http.MethodPatch, "/admin/orders/11/status", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestOrderHandler_UpdateOrderStatus_RefundMovesCapturedPaymentToRefunded(t *testing.T) {
	handler, mock, router := setupOrderTest(t, &mockGatewayClient{})
	defer handler.db.Close()

	mock.ExpectQuery("SELECT order_status FROM orders WHERE id = \\$1").
		WithArgs(int64(11)).
		WillReturnRows(sqlmock.NewRows([]string{"order_status"}).AddRow("processing"))
	mock.ExpectExec("UPDATE orders SET order_status = \\$1").
		WithArgs("refunded", int64(11), "processing").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT status FROM payments WHERE order_id = \\$1").
		WithArgs(int64(11)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))
	mock.ExpectExec("UPDATE payments SET status = \\$1").
		WithArgs("refunded", int64(11), "completed").
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := strings.NewReader(`{"status": "refunded"}`)
	req := httptest.NewRequest(http.MethodPatch, "/admin/orders/11/status", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestOrderHandler_UpdateOrderStatus_RefundLeavesPendingCODPaymentAlone(t *testing.T) {
	handler, mock, router := setupOrderTest(t, &mockGatewayClient{})
	defer handler.db.Close()

	mock.ExpectQuery("SELECT order_status FROM orders WHERE id = \\$1").
		WithArgs(int64(11)).
		WillReturnRows(sqlmock.NewRows([]string{"order_status"}).AddRow("processing"))
	mock.ExpectExec("UPDATE orders SET order_status = \\$1").
		WithArgs("refunded", int64(11), "processing").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Nothing was captured, so the payment state machine blocks the refund
	// transition and no payment update runs.
	mock.ExpectQuery("SELECT status FROM payments WHERE order_id = \\$1").
		WithArgs(int64(11)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("pending"))

	body := strings.NewReader(`{"status": "refunded"}`)
	req := httptest.NewRequest(http.MethodPatch, "/admin/orders/11/status", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestOrderHandler_UpdateOrderStatus_RejectsInvalidTransition(t *testing.T) {
	handler, mock, router := setupOrderTest(t, &mockGatewayClient{})
	defer handler.db.Close()

	mock.ExpectQuery("SELECT order_status FROM orders WHERE id = \\$1").
		WithArgs(int64(11)).
		WillReturnRows(sqlmock.NewRows([]string{"order_status"}).AddRow("delivered"))

	body := strings.NewReader(`{"status": "pending"}`)
	req := httptest.NewRequest(http.MethodPatch, "/admin/orders/11/status", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}
