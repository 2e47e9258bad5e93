package handlers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/nibin-joseph05/spice-shop/cache"
	"github.com/nibin-joseph05/spice-shop/gateway"
	"github.com/nibin-joseph05/spice-shop/kafka"
	"github.com/nibin-joseph05/spice-shop/middleware"
	"github.com/nibin-joseph05/spice-shop/models"
	"github.com/nibin-joseph05/spice-shop/stock"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const orderEventsTopic = "order_events"

// OrderHandler converts carts into immutable orders. COD orders commit
// immediately (stock reserved, cart cleared); gateway orders stay pending
// until the payment callback is verified.
type OrderHandler struct {
	db            *sql.DB
	producer      sarama.SyncProducer
	gatewayClient gateway.Client
	redisClient   *redis.Client
	logger        *zap.Logger
	codLimit      float64
	currency      string
}

func NewOrderHandler(
	db *sql.DB,
	producer sarama.SyncProducer,
	gatewayClient gateway.Client,
	redisClient *redis.Client,
	logger *zap.Logger,
) *OrderHandler {
	codLimit := 5000.0
	if v := getEnv("COD_LIMIT", ""); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			codLimit = parsed
		}
	}
	return &OrderHandler{
		db:            db,
		producer:      producer,
		gatewayClient: gatewayClient,
		redisClient:   redisClient,
		logger:        logger,
		codLimit:      codLimit,
		currency:      getEnv("GATEWAY_CURRENCY", "INR"),
	}
}

// orderLine is a frozen snapshot of one cart line taken from the pack's
// current name/grade/weight/price at order time.
type orderLine struct {
	PackID          int64
	SpiceName       string
	QualityClass    string
	PackWeightGrams int
	UnitPrice       float64
	Quantity        int
	Stock           int
}

func newOrderNumber() string {
	return "ORD-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// loadCartSnapshot re-reads every cart line against the live pack row. The
// cart's cached prices are never trusted at commit time.
func (h *OrderHandler) loadCartSnapshot(ctx context.Context, userID int64) (int64, []orderLine, error) {
	var cartID int64
	err := h.db.QueryRowContext(ctx, "SELECT id FROM carts WHERE user_id = $1", userID).Scan(&cartID)
	if err != nil {
		return 0, nil, err
	}

	rows, err := h.db.QueryContext(ctx,
		`SELECT ci.pack_id, ci.quantity, p.spice_name, p.quality_class, p.pack_weight_grams, p.price, p.stock
		 FROM cart_items ci JOIN spice_packs p ON p.id = ci.pack_id
		 WHERE ci.cart_id = $1 ORDER BY ci.id`,
		cartID,
	)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to load cart items: %w", err)
	}
	defer rows.Close()

	var lines []orderLine
	for rows.Next() {
		var line orderLine
		if err := rows.Scan(&line.PackID, &line.Quantity, &line.SpiceName, &line.QualityClass,
			&line.PackWeightGrams, &line.UnitPrice, &line.Stock); err != nil {
			return 0, nil, fmt.Errorf("failed to scan cart line: %w", err)
		}
		lines = append(lines, line)
	}
	return cartID, lines, rows.Err()
}

func (h *OrderHandler) lookupEmail(ctx context.Context, userID int64) string {
	var email string
	if err := h.db.QueryRowContext(ctx, "SELECT email FROM users WHERE id = $1", userID).Scan(&email); err != nil {
		h.logger.Warn("Failed to look up customer email", zap.Int64("user_id", userID), zap.Error(err))
		return ""
	}
	return email
}

func (h *OrderHandler) invalidatePackCache(ctx context.Context, lines []orderLine) {
	if h.redisClient == nil {
		return
	}
	for _, line := range lines {
		if err := cache.DeletePack(ctx, h.redisClient, strconv.FormatInt(line.PackID, 10)); err != nil {
			h.logger.Warn("Failed to invalidate pack cache", zap.Int64("pack_id", line.PackID), zap.Error(err))
		}
	}
}

func (h *OrderHandler) publishEvent(ctx context.Context, event models.OrderEvent) {
	if h.producer == nil {
		return
	}
	if err := kafka.PublishOrderEvent(ctx, h.producer, orderEventsTopic, event, h.logger); err != nil {
		// Notification is fire-and-forget: the order stands either way.
		h.logger.Error("Failed to publish order event",
			zap.Int64("order_id", event.OrderID),
			zap.String("event_type", event.EventType),
			zap.Error(err),
		)
	}
}

// insertOrder writes the order row, its frozen items, and the payment record
// inside the caller's transaction.
func insertOrder(ctx context.Context, tx *sql.Tx, o *models.Order, lines []orderLine) error {
	err := tx.QueryRowContext(ctx,
		`INSERT INTO orders (order_number, user_id, subtotal, shipping_cost, total,
		                     order_status, payment_status, payment_method, gateway_order_id,
		                     shipping_first_name, shipping_last_name, shipping_address_line1,
		                     shipping_address_line2, shipping_city, shipping_state,
		                     shipping_pin_code, shipping_phone, order_notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 RETURNING id, created_at`,
		o.OrderNumber, o.UserID, o.Subtotal, o.ShippingCost, o.Total,
		o.OrderStatus, o.PaymentStatus, o.PaymentMethod, nullIfEmpty(o.GatewayOrderID),
		o.Shipping.FirstName, o.Shipping.LastName, o.Shipping.AddressLine1,
		o.Shipping.AddressLine2, o.Shipping.City, o.Shipping.State,
		o.Shipping.PinCode, o.Shipping.Phone, o.OrderNotes,
	).Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for _, line := range lines {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO order_items (order_id, pack_id, spice_name, quality_class, pack_weight_grams, unit_price, quantity)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			o.ID, line.PackID, line.SpiceName, line.QualityClass, line.PackWeightGrams, line.UnitPrice, line.Quantity,
		); err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO payments (order_id, method, amount, status, gateway_order_id)
		 VALUES ($1, $2, $3, $4, $5)`,
		o.ID, o.PaymentMethod, o.Total, o.PaymentStatus, nullIfEmpty(o.GatewayOrderID),
	); err != nil {
		return fmt.Errorf("failed to insert payment record: %w", err)
	}

	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (h *OrderHandler) PlaceOrder(c *gin.Context) {
	ctx, span := otel.Tracer("spice-shop").Start(c.Request.Context(), "PlaceOrder")
	defer span.End()

	userID := c.GetInt64("user_id")

	var req models.PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, CodeValidationError, err.Error())
		return
	}

	span.SetAttributes(
		attribute.Int64("user.id", userID),
		attribute.String("payment.method", string(req.PaymentMethod)),
	)

	cartID, lines, err := h.loadCartSnapshot(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			apiError(c, http.StatusBadRequest, CodeEmptyCart, "Your cart is empty. Please add items before placing an order.")
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to load cart", zap.Int64("user_id", userID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}
	if len(lines) == 0 {
		apiError(c, http.StatusBadRequest, CodeEmptyCart, "Your cart is empty. Please add items before placing an order.")
		return
	}

	// All-or-nothing soft validation against live stock. The ledger's
	// conditional decrement is the hard check for the COD path.
	var subtotal float64
	for _, line := range lines {
		if line.Quantity > line.Stock {
			apiError(c, http.StatusBadRequest, CodeInsufficientStock,
				fmt.Sprintf("Insufficient stock for %s (%dg). Available: %d", line.SpiceName, line.PackWeightGrams, line.Stock))
			return
		}
		subtotal += line.UnitPrice * float64(line.Quantity)
	}
	shipping := models.ShippingCost(subtotal)
	total := subtotal + shipping

	order := &models.Order{
		OrderNumber:   newOrderNumber(),
		UserID:        userID,
		Subtotal:      subtotal,
		ShippingCost:  shipping,
		Total:         total,
		PaymentMethod: req.PaymentMethod,
		Shipping:      req.ShippingAddress,
		OrderNotes:    req.OrderNotes,
	}

	span.SetAttributes(
		attribute.String("order.number", order.OrderNumber),
		attribute.Float64("order.total", total),
	)

	switch req.PaymentMethod {
	case models.PaymentMethodCOD:
		h.placeCODOrder(c, ctx, order, cartID, lines)
	case models.PaymentMethodGateway:
		h.placeGatewayOrder(c, ctx, order, lines)
	default:
		apiError(c, http.StatusBadRequest, CodeValidationError, "Unsupported payment method")
	}
}

// placeCODOrder commits the whole order in one transaction: stock
// reservation, order/payment persistence, and cart deletion succeed or roll
// back together.
func (h *OrderHandler) placeCODOrder(c *gin.Context, ctx context.Context, order *models.Order, cartID int64, lines []orderLine) {
	if order.Total > h.codLimit {
		middleware.RecordOrderPlaced("cod", "cod_limit_exceeded")
		apiError(c, http.StatusBadRequest, CodeCodLimitExceeded,
			fmt.Sprintf("Cash on Delivery not available for orders over %.0f.", h.codLimit))
		return
	}

	order.OrderStatus = models.OrderStatusProcessing
	order.PaymentStatus = models.PaymentStatusPending

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		h.logger.Error("Failed to begin order transaction", zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}
	defer tx.Rollback()

	// Hard stock enforcement. A failure on any line rolls back every
	// reservation made so far.
	for _, line := range lines {
		if err := stock.Reserve(ctx, tx, line.PackID, line.Quantity); err != nil {
			if errors.Is(err, stock.ErrInsufficientStock) {
				middleware.RecordOrderPlaced("cod", "insufficient_stock")
				apiError(c, http.StatusBadRequest, CodeInsufficientStock,
					fmt.Sprintf("Insufficient stock for %s (%dg).", line.SpiceName, line.PackWeightGrams))
				return
			}
			h.logger.Error("Stock reservation failed", zap.Int64("pack_id", line.PackID), zap.Error(err))
			apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
			return
		}
	}

	if err := insertOrder(ctx, tx, order, lines); err != nil {
		h.logger.Error("Failed to persist order", zap.String("order_number", order.OrderNumber), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	// The cart is destroyed the moment its order commits.
	if _, err := tx.ExecContext(ctx, "DELETE FROM carts WHERE id = $1", cartID); err != nil {
		h.logger.Error("Failed to clear cart", zap.Int64("cart_id", cartID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	if err := tx.Commit(); err != nil {
		h.logger.Error("Failed to commit order", zap.String("order_number", order.OrderNumber), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	h.invalidatePackCache(ctx, lines)
	h.publishEvent(ctx, models.OrderEvent{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		Email:         h.lookupEmail(ctx, order.UserID),
		Total:         order.Total,
		PaymentMethod: order.PaymentMethod,
		EventType:     "order_confirmed",
	})
	middleware.RecordOrderPlaced("cod", "success")

	h.logger.Info("COD order placed",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.Float64("total", order.Total),
	)
	c.JSON(http.StatusCreated, models.PlaceOrderResponse{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		Total:         order.Total,
		PaymentMethod: order.PaymentMethod,
	})
}

// placeGatewayOrder creates the remote payment intent first, then persists
// the order with whatever outcome the gateway returned. The gateway call is a
// blocking network call and never runs inside the local transaction; stock is
// not reserved until the payment callback verifies.
func (h *OrderHandler) placeGatewayOrder(c *gin.Context, ctx context.Context, order *models.Order, lines []orderLine) {
	amountMinorUnits := int64(math.Round(order.Total * 100))

	gatewayOrderID, gwErr := h.gatewayClient.CreateIntent(ctx, amountMinorUnits, h.currency, order.OrderNumber)

	if gwErr != nil {
		order.OrderStatus = models.OrderStatusCancelled
		order.PaymentStatus = models.PaymentStatusFailed
	} else {
		order.OrderStatus = models.OrderStatusPending
		order.PaymentStatus = models.PaymentStatusPending
		order.GatewayOrderID = gatewayOrderID
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		h.logger.Error("Failed to begin order transaction", zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}
	defer tx.Rollback()

	if err := insertOrder(ctx, tx, order, lines); err != nil {
		h.logger.Error("Failed to persist order", zap.String("order_number", order.OrderNumber), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	if gwErr == nil {
		if _, err := tx.ExecContext(ctx,
			"UPDATE payments SET gateway_order_id = $1 WHERE order_id = $2",
			gatewayOrderID, order.ID,
		); err != nil {
			h.logger.Error("Failed to store gateway order id", zap.Int64("order_id", order.ID), zap.Error(err))
			apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
			return
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			"UPDATE payments SET failure_reason = $1 WHERE order_id = $2",
			"gateway intent creation failed", order.ID,
		); err != nil {
			h.logger.Error("Failed to record gateway failure", zap.Int64("order_id", order.ID), zap.Error(err))
			apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
			return
		}
	}

	if err := tx.Commit(); err != nil {
		h.logger.Error("Failed to commit order", zap.String("order_number", order.OrderNumber), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	if gwErr != nil {
		// The cart stays intact so the customer can retry checkout.
		middleware.RecordOrderPlaced("gateway", "gateway_unavailable")
		h.logger.Error("Gateway order cancelled: intent creation failed",
			zap.String("order_number", order.OrderNumber),
			zap.Error(gwErr),
		)
		apiError(c, http.StatusBadGateway, CodeGatewayUnavailable, "Failed to initiate payment. Please try again later.")
		return
	}

	middleware.RecordOrderPlaced("gateway", "pending")
	h.logger.Info("Gateway order created",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("gateway_order_id", gatewayOrderID),
	)
	c.JSON(http.StatusCreated, models.PlaceOrderResponse{
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		Total:          order.Total,
		PaymentMethod:  order.PaymentMethod,
		GatewayOrderID: gatewayOrderID,
	})
}

// loadOrderItems fills in the frozen line items for a set of orders.
func (h *OrderHandler) loadOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT id, order_id, pack_id, spice_name, quality_class, pack_weight_grams, unit_price, quantity
		 FROM order_items WHERE order_id = $1 ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.PackID, &item.SpiceName,
			&item.QualityClass, &item.PackWeightGrams, &item.UnitPrice, &item.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanOrder(row interface{ Scan(...any) error }) (*models.Order, error) {
	var o models.Order
	var gatewayOrderID sql.NullString
	err := row.Scan(&o.ID, &o.OrderNumber, &o.UserID, &o.Subtotal, &o.ShippingCost, &o.Total,
		&o.OrderStatus, &o.PaymentStatus, &o.PaymentMethod, &gatewayOrderID,
		&o.Shipping.FirstName, &o.Shipping.LastName, &o.Shipping.AddressLine1, &o.Shipping.AddressLine2,
		&o.Shipping.City, &o.Shipping.State, &o.Shipping.PinCode, &o.Shipping.Phone,
		&o.OrderNotes, &o.CreatedAt, &o.UpdatedAt, &o.PaidAt)
	if err != nil {
		return nil, err
	}
	o.GatewayOrderID = gatewayOrderID.String
	return &o, nil
}

const orderColumns = `id, order_number, user_id, subtotal, shipping_cost, total,
	order_status, payment_status, payment_method, gateway_order_id,
	shipping_first_name, shipping_last_name, shipping_address_line1, shipping_address_line2,
	shipping_city, shipping_state, shipping_pin_code, shipping_phone,
	order_notes, created_at, updated_at, paid_at`

// GetOrderHistory returns the caller's orders, newest first, without line
// items.
func (h *OrderHandler) GetOrderHistory(c *gin.Context) {
	ctx, span := otel.Tracer("spice-shop").Start(c.Request.Context(), "GetOrderHistory")
	defer span.End()

	userID := c.GetInt64("user_id")

	rows, err := h.db.QueryContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC",
		userID,
	)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to load order history", zap.Int64("user_id", userID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}
	defer rows.Close()

	orders := []*models.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			h.logger.Error("Failed to scan order", zap.Error(err))
			apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
			return
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		h.logger.Error("Failed to read order history", zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// GetOrderDetails returns one order with its items. Another user's order is
// reported as not found rather than forbidden.
func (h *OrderHandler) GetOrderDetails(c *gin.Context) {
	ctx, span := otel.Tracer("spice-shop").Start(c.Request.Context(), "GetOrderDetails")
	defer span.End()

	userID := c.GetInt64("user_id")
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		apiError(c, http.StatusBadRequest, CodeValidationError, "Invalid order ID")
		return
	}

	row := h.db.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 AND user_id = $2",
		orderID, userID,
	)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			apiError(c, http.StatusNotFound, CodeNotFound, "Order not found")
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to load order", zap.Int64("order_id", orderID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	order.Items, err = h.loadOrderItems(ctx, order.ID)
	if err != nil {
		h.logger.Error("Failed to load order items", zap.Int64("order_id", orderID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	c.JSON(http.StatusOK, order)
}
