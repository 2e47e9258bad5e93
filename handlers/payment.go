package handlers

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/nibin-joseph05/spice-shop/cache"
	"github.com/nibin-joseph05/spice-shop/gateway"
	"github.com/nibin-joseph05/spice-shop/kafka"
	"github.com/nibin-joseph05/spice-shop/middleware"
	"github.com/nibin-joseph05/spice-shop/models"
	"github.com/nibin-joseph05/spice-shop/stock"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// PaymentHandler finalizes gateway payments from the client-side callback.
// Verification is idempotent: the payment row leaves pending exactly once,
// and a replayed callback gets a conflict, never a second side effect.
type PaymentHandler struct {
	db            *sql.DB
	producer      sarama.SyncProducer
	gatewayClient gateway.Client
	redisClient   *redis.Client
	logger        *zap.Logger
}

func NewPaymentHandler(
	db *sql.DB,
	producer sarama.SyncProducer,
	gatewayClient gateway.Client,
	redisClient *redis.Client,
	logger *zap.Logger,
) *PaymentHandler {
	return &PaymentHandler{
		db:            db,
		producer:      producer,
		gatewayClient: gatewayClient,
		redisClient:   redisClient,
		logger:        logger,
	}
}

func (h *PaymentHandler) VerifyPayment(c *gin.Context) {
	ctx, span := otel.Tracer("spice-shop").Start(c.Request.Context(), "VerifyPayment")
	defer span.End()

	userID := c.GetInt64("user_id")

	var req models.VerifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, CodeValidationError, err.Error())
		return
	}

	span.SetAttributes(
		attribute.Int64("order.id", req.OrderID),
		attribute.String("gateway.order_id", req.GatewayOrderID),
	)

	var (
		orderNumber string
		orderUserID int64
		total       float64
	)
	err := h.db.QueryRowContext(ctx,
		"SELECT order_number, user_id, total FROM orders WHERE id = $1",
		req.OrderID,
	).Scan(&orderNumber, &orderUserID, &total)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			apiError(c, http.StatusNotFound, CodeNotFound, "Order not found")
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to load order", zap.Int64("order_id", req.OrderID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}
	if orderUserID != userID {
		// Another user's order looks like no order at all.
		apiError(c, http.StatusNotFound, CodeNotFound, "Order not found")
		return
	}

	var paymentID int64
	err = h.db.QueryRowContext(ctx,
		"SELECT id FROM payments WHERE order_id = $1 AND gateway_order_id = $2",
		req.OrderID, req.GatewayOrderID,
	).Scan(&paymentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			apiError(c, http.StatusNotFound, CodeNotFound, "No matching payment for this order")
			return
		}
		h.logger.Error("Failed to load payment", zap.Int64("order_id", req.OrderID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	if h.gatewayClient.VerifySignature(req.GatewayOrderID, req.GatewayPaymentID, req.Signature) {
		h.finalizeSuccess(c, ctx, req, orderNumber, userID, total)
	} else {
		h.finalizeFailure(c, ctx, req, orderNumber, userID, total)
	}
}

// finalizeSuccess records the completed payment, reserves stock for the
// order's lines, and clears the customer's cart in one transaction. The
// conditional payment update is the idempotency gate for the whole flow.
func (h *PaymentHandler) finalizeSuccess(c *gin.Context, ctx context.Context, req models.VerifyPaymentRequest, orderNumber string, userID int64, total float64) {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		h.logger.Error("Failed to begin payment transaction", zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE payments SET status = $1, transaction_id = $2, paid_at = CURRENT_TIMESTAMP
		 WHERE order_id = $3 AND status = $4`,
		models.PaymentStatusCompleted, req.GatewayPaymentID, req.OrderID, models.PaymentStatusPending,
	)
	if err != nil {
		h.logger.Error("Failed to update payment", zap.Int64("order_id", req.OrderID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		h.logger.Error("Failed to read payment update result", zap.Int64("order_id", req.OrderID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}
	if rowsAffected == 0 {
		apiError(c, http.StatusConflict, CodeAlreadyFinalized, "Payment has already been finalized for this order")
		return
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE orders SET order_status = $1, payment_status = $2, paid_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $3`,
		models.OrderStatusProcessing, models.PaymentStatusCompleted, req.OrderID,
	); err != nil {
		h.logger.Error("Failed to update order", zap.Int64("order_id", req.OrderID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	packIDs, err := h.reserveOrderStock(ctx, tx, req.OrderID)
	if err != nil {
		h.logger.Error("Stock reservation failed after payment", zap.Int64("order_id", req.OrderID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM carts WHERE user_id = $1", userID); err != nil {
		h.logger.Error("Failed to clear cart", zap.Int64("user_id", userID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	if err := tx.Commit(); err != nil {
		h.logger.Error("Failed to commit payment", zap.Int64("order_id", req.OrderID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	if h.redisClient != nil {
		for _, packID := range packIDs {
			if err := cache.DeletePack(ctx, h.redisClient, strconv.FormatInt(packID, 10)); err != nil {
				h.logger.Warn("Failed to invalidate pack cache", zap.Int64("pack_id", packID), zap.Error(err))
			}
		}
	}

	var email string
	if err := h.db.QueryRowContext(ctx, "SELECT email FROM users WHERE id = $1", userID).Scan(&email); err != nil {
		h.logger.Warn("Failed to look up customer email", zap.Int64("user_id", userID), zap.Error(err))
	}
	h.publishEvent(ctx, models.OrderEvent{
		OrderID:       req.OrderID,
		OrderNumber:   orderNumber,
		UserID:        userID,
		Email:         email,
		Total:         total,
		PaymentMethod: models.PaymentMethodGateway,
		TransactionID: req.GatewayPaymentID,
		EventType:     "order_confirmed",
	})
	middleware.RecordPaymentVerified("success")

	h.logger.Info("Payment verified",
		zap.Int64("order_id", req.OrderID),
		zap.String("order_number", orderNumber),
		zap.String("transaction_id", req.GatewayPaymentID),
	)
	c.JSON(http.StatusOK, models.VerifyPaymentResponse{
		OrderID:       req.OrderID,
		OrderNumber:   orderNumber,
		PaymentStatus: models.PaymentStatusCompleted,
	})
}

// reserveOrderStock decrements stock for every order line. A line that can
// no longer be covered does not fail the payment: the money is already
// captured, so the order is flagged for manual reconciliation instead and
// any lines reserved so far are put back.
func (h *PaymentHandler) reserveOrderStock(ctx context.Context, tx *sql.Tx, orderID int64) ([]int64, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT pack_id, quantity FROM order_items WHERE order_id = $1 ORDER BY id",
		orderID,
	)
	if err != nil {
		return nil, err
	}
	type line struct {
		packID int64
		qty    int
	}
	var lines []line
	for rows.Next() {
		var l line
		if err := rows.Scan(&l.packID, &l.qty); err != nil {
			rows.Close()
			return nil, err
		}
		lines = append(lines, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	packIDs := make([]int64, 0, len(lines))
	for i, l := range lines {
		if err := stock.Reserve(ctx, tx, l.packID, l.qty); err != nil {
			if !errors.Is(err, stock.ErrInsufficientStock) {
				return nil, err
			}
			for _, reserved := range lines[:i] {
				if relErr := stock.Release(ctx, tx, reserved.packID, reserved.qty); relErr != nil {
					return nil, relErr
				}
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE orders SET needs_reconciliation = TRUE, updated_at = CURRENT_TIMESTAMP WHERE id = $1",
				orderID,
			); err != nil {
				return nil, err
			}
			middleware.RecordStockReconciliationRequired()
			h.logger.Error("Stock exhausted after payment capture, order flagged for reconciliation",
				zap.Int64("order_id", orderID),
				zap.Int64("pack_id", l.packID),
			)
			return nil, nil
		}
		packIDs = append(packIDs, l.packID)
	}
	return packIDs, nil
}

// finalizeFailure marks the payment failed and cancels the order. Stock was
// never reserved for this order and the cart is left untouched so the
// customer can retry.
func (h *PaymentHandler) finalizeFailure(c *gin.Context, ctx context.Context, req models.VerifyPaymentRequest, orderNumber string, userID int64, total float64) {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		h.logger.Error("Failed to begin payment transaction", zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE payments SET status = $1, failure_reason = $2
		 WHERE order_id = $3 AND status = $4`,
		models.PaymentStatusFailed, "signature verification failed", req.OrderID, models.PaymentStatusPending,
	)
	if err != nil {
		h.logger.Error("Failed to update payment", zap.Int64("order_id", req.OrderID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		h.logger.Error("Failed to read payment update result", zap.Int64("order_id", req.OrderID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}
	if rowsAffected == 0 {
		apiError(c, http.StatusConflict, CodeAlreadyFinalized, "Payment has already been finalized for this order")
		return
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE orders SET order_status = $1, payment_status = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $3`,
		models.OrderStatusCancelled, models.PaymentStatusFailed, req.OrderID,
	); err != nil {
		h.logger.Error("Failed to update order", zap.Int64("order_id", req.OrderID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	if err := tx.Commit(); err != nil {
		h.logger.Error("Failed to commit payment failure", zap.Int64("order_id", req.OrderID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	var email string
	if err := h.db.QueryRowContext(ctx, "SELECT email FROM users WHERE id = $1", userID).Scan(&email); err != nil {
		h.logger.Warn("Failed to look up customer email", zap.Int64("user_id", userID), zap.Error(err))
	}
	h.publishEvent(ctx, models.OrderEvent{
		OrderID:       req.OrderID,
		OrderNumber:   orderNumber,
		UserID:        userID,
		Email:         email,
		Total:         total,
		PaymentMethod: models.PaymentMethodGateway,
		EventType:     "payment_failed",
	})
	middleware.RecordPaymentVerified("signature_mismatch")

	h.logger.Warn("Payment signature mismatch",
		zap.Int64("order_id", req.OrderID),
		zap.String("order_number", orderNumber),
		zap.String("gateway_order_id", req.GatewayOrderID),
	)
	apiError(c, http.StatusBadRequest, CodeSignatureMismatch, "Payment signature verification failed")
}

func (h *PaymentHandler) publishEvent(ctx context.Context, event models.OrderEvent) {
	if h.producer == nil {
		return
	}
	if err := kafka.PublishOrderEvent(ctx, h.producer, orderEventsTopic, event, h.logger); err != nil {
		h.logger.Error("Failed to publish order event",
			zap.Int64("order_id", event.OrderID),
			zap.String("event_type", event.EventType),
			zap.Error(err),
		)
	}
}
