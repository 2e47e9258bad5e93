package handlers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/nibin-joseph05/spice-shop/models"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// ListOrders returns all orders across users for back-office fulfilment.
// Supports an optional order_status filter and limit/offset paging.
func (h *OrderHandler) ListOrders(c *gin.Context) {
	ctx, span := otel.Tracer("spice-shop").Start(c.Request.Context(), "AdminListOrders")
	defer span.End()

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 200 {
		limit = 50
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}

	var rows *sql.Rows
	if status := c.Query("status"); status != "" {
		rows, err = h.db.QueryContext(ctx,
			"SELECT "+orderColumns+" FROM orders WHERE order_status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3",
			status, limit, offset,
		)
	} else {
		rows, err = h.db.QueryContext(ctx,
			"SELECT "+orderColumns+" FROM orders ORDER BY created_at DESC LIMIT $1 OFFSET $2",
			limit, offset,
		)
	}
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to list orders", zap.Error(err))
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
		h.logger.Error("Failed to read orders", zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders, "limit": limit, "offset": offset})
}

// GetOrderDetailsAdmin returns any order with its items, regardless of owner.
func (h *OrderHandler) GetOrderDetailsAdmin(c *gin.Context) {
	ctx, span := otel.Tracer("spice-shop").Start(c.Request.Context(), "AdminGetOrderDetails")
	defer span.End()

	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		apiError(c, http.StatusBadRequest, CodeValidationError, "Invalid order ID")
		return
	}

	row := h.db.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1",
		orderID,
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

// UpdateOrderStatus moves an order along its lifecycle. The update is
// conditional on the current status so concurrent admin actions cannot
// double-apply a transition.
func (h *OrderHandler) UpdateOrderStatus(c *gin.Context) {
	ctx, span := otel.Tracer("spice-shop").Start(c.Request.Context(), "AdminUpdateOrderStatus")
	defer span.End()

	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		apiError(c, http.StatusBadRequest, CodeValidationError, "Invalid order ID")
		return
	}

	var req models.UpdateOrderStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, CodeValidationError, err.Error())
		return
	}

	var current models.OrderStatus
	err = h.db.QueryRowContext(ctx, "SELECT order_status FROM orders WHERE id = $1", orderID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			apiError(c, http.StatusNotFound, CodeNotFound, "Order not found")
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to load order status", zap.Int64("order_id", orderID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	if !models.CanTransitionOrder(current, req.Status) {
		apiError(c, http.StatusBadRequest, CodeValidationError,
			"Cannot change order status from "+string(current)+" to "+string(req.Status))
		return
	}

	result, err := h.db.ExecContext(ctx,
		"UPDATE orders SET order_status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2 AND order_status = $3",
		req.Status, orderID, current,
	)
	if err != nil {
		h.logger.Error("Failed to update order status", zap.Int64("order_id", orderID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		h.logger.Error("Failed to read update result", zap.Int64("order_id", orderID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}
	if rowsAffected == 0 {
		// Raced with another transition between read and update.
		apiError(c, http.StatusConflict, CodeAlreadyFinalized, "Order status changed concurrently. Please retry.")
		return
	}

	if req.Status == models.OrderStatusRefunded {
		if err := h.refundPayment(ctx, orderID); err != nil {
			h.logger.Error("Failed to refund payment", zap.Int64("order_id", orderID), zap.Error(err))
			apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
			return
		}
	}

	h.logger.Info("Order status updated",
		zap.Int64("order_id", orderID),
		zap.String("from", string(current)),
		zap.String("to", string(req.Status)),
	)
	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "order_status": req.Status})
}

// refundPayment moves the order's payment to refunded when the payment state
// machine allows it. A COD payment still pending never captured anything, so
// there is nothing to refund and it is left alone.
func (h *OrderHandler) refundPayment(ctx context.Context, orderID int64) error {
	var current models.PaymentStatus
	err := h.db.QueryRowContext(ctx, "SELECT status FROM payments WHERE order_id = $1", orderID).Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to load payment for order %d: %w", orderID, err)
	}

	if !models.CanTransitionPayment(current, models.PaymentStatusRefunded) {
		return nil
	}

	_, err = h.db.ExecContext(ctx,
		"UPDATE payments SET status = $1 WHERE order_id = $2 AND status = $3",
		models.PaymentStatusRefunded, orderID, current,
	)
	if err != nil {
		return fmt.Errorf("failed to refund payment for order %d: %w", orderID, err)
	}
	return nil
}
