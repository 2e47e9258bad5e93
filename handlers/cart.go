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
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// CartHandler owns the one open cart per customer. Every mutation recomputes
// the cart's cached subtotal/shipping/total inside the same transaction as
// the mutation itself.
type CartHandler struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewCartHandler(db *sql.DB, logger *zap.Logger) *CartHandler {
	return &CartHandler{db: db, logger: logger}
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// getOrCreateCart returns the customer's cart id, creating the cart lazily
// on first access. Two concurrent first accesses can both miss the initial
// lookup, so the insert tolerates the unique user_id conflict and the
// re-select picks up whichever row won.
func getOrCreateCart(ctx context.Context, q querier, userID int64) (int64, error) {
	var cartID int64
	err := q.QueryRowContext(ctx, "SELECT id FROM carts WHERE user_id = $1", userID).Scan(&cartID)
	if err == nil {
		return cartID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to look up cart: %w", err)
	}

	_, err = q.ExecContext(ctx,
		"INSERT INTO carts (user_id, subtotal, shipping_cost, total) VALUES ($1, 0, $2, 0) ON CONFLICT (user_id) DO NOTHING",
		userID, models.FlatShippingFee,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create cart: %w", err)
	}

	err = q.QueryRowContext(ctx, "SELECT id FROM carts WHERE user_id = $1", userID).Scan(&cartID)
	if err != nil {
		return 0, fmt.Errorf("failed to load created cart: %w", err)
	}
	return cartID, nil
}

// recalcCartTotals recomputes the cart's derived totals from live pack
// prices. Must run inside the same transaction as the mutation that made the
// totals stale.
func recalcCartTotals(ctx context.Context, q querier, cartID int64) error {
	var subtotal float64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(ci.quantity * p.price), 0)
		 FROM cart_items ci JOIN spice_packs p ON p.id = ci.pack_id
		 WHERE ci.cart_id = $1`,
		cartID,
	).Scan(&subtotal)
	if err != nil {
		return fmt.Errorf("failed to compute cart subtotal: %w", err)
	}

	shipping := models.ShippingCost(subtotal)
	total := subtotal + shipping

	_, err = q.ExecContext(ctx,
		"UPDATE carts SET subtotal = $1, shipping_cost = $2, total = $3, updated_at = CURRENT_TIMESTAMP WHERE id = $4",
		subtotal, shipping, total, cartID,
	)
	if err != nil {
		return fmt.Errorf("failed to update cart totals: %w", err)
	}
	return nil
}

func loadCart(ctx context.Context, q querier, userID int64) (*models.Cart, error) {
	var cart models.Cart
	err := q.QueryRowContext(ctx,
		"SELECT id, user_id, subtotal, shipping_cost, total, created_at, updated_at FROM carts WHERE user_id = $1",
		userID,
	).Scan(&cart.ID, &cart.UserID, &cart.Subtotal, &cart.ShippingCost, &cart.Total, &cart.CreatedAt, &cart.UpdatedAt)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx,
		`SELECT ci.id, ci.cart_id, ci.pack_id, ci.quantity,
		        p.spice_name, p.quality_class, p.pack_weight_grams, p.price
		 FROM cart_items ci JOIN spice_packs p ON p.id = ci.pack_id
		 WHERE ci.cart_id = $1 ORDER BY ci.id`,
		cart.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart items: %w", err)
	}
	defer rows.Close()

	cart.Items = []models.CartItem{}
	for rows.Next() {
		var item models.CartItem
		if err := rows.Scan(&item.ID, &item.CartID, &item.PackID, &item.Quantity,
			&item.SpiceName, &item.QualityClass, &item.PackWeightGrams, &item.UnitPrice); err != nil {
			return nil, fmt.Errorf("failed to scan cart item: %w", err)
		}
		item.LineTotal = item.UnitPrice * float64(item.Quantity)
		cart.Items = append(cart.Items, item)
	}
	return &cart, rows.Err()
}

func (h *CartHandler) GetCart(c *gin.Context) {
	ctx, span := otel.Tracer("spice-shop").Start(c.Request.Context(), "GetCart")
	defer span.End()

	userID := c.GetInt64("user_id")
	span.SetAttributes(attribute.Int64("user.id", userID))

	if _, err := getOrCreateCart(ctx, h.db, userID); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to get or create cart", zap.Int64("user_id", userID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	cart, err := loadCart(ctx, h.db, userID)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to load cart", zap.Int64("user_id", userID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	c.JSON(http.StatusOK, cart)
}

func (h *CartHandler) AddCartItem(c *gin.Context) {
	ctx, span := otel.Tracer("spice-shop").Start(c.Request.Context(), "AddCartItem")
	defer span.End()

	userID := c.GetInt64("user_id")

	var req models.AddCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, CodeValidationError, err.Error())
		return
	}

	span.SetAttributes(
		attribute.Int64("user.id", userID),
		attribute.Int64("pack.id", req.PackID),
		attribute.Int("quantity", req.Quantity),
	)

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to begin transaction", zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}
	defer tx.Rollback()

	cartID, err := getOrCreateCart(ctx, tx, userID)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to get or create cart", zap.Int64("user_id", userID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	var packID int64
	err = tx.QueryRowContext(ctx, "SELECT id FROM spice_packs WHERE id = $1", req.PackID).Scan(&packID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			apiError(c, http.StatusNotFound, CodeNotFound, "Pack not found")
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to look up pack", zap.Int64("pack_id", req.PackID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	// Adding an already-present pack increments its quantity instead of
	// creating a duplicate line.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO cart_items (cart_id, pack_id, quantity) VALUES ($1, $2, $3)
		 ON CONFLICT (cart_id, pack_id) DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity`,
		cartID, req.PackID, req.Quantity,
	)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to add cart item", zap.Int64("cart_id", cartID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	if err := recalcCartTotals(ctx, tx, cartID); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to recompute cart totals", zap.Int64("cart_id", cartID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to commit cart change", zap.Int64("cart_id", cartID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	cart, err := loadCart(ctx, h.db, userID)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to load cart after add", zap.Int64("user_id", userID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	h.logger.Info("Cart item added",
		zap.Int64("user_id", userID),
		zap.Int64("pack_id", req.PackID),
		zap.Int("quantity", req.Quantity),
	)
	c.JSON(http.StatusCreated, cart)
}

// resolveCartItem loads the item's cart and owner. Returns sql.ErrNoRows when
// the item does not exist.
func resolveCartItem(ctx context.Context, q querier, itemID int64) (cartID, packID, ownerID int64, err error) {
	err = q.QueryRowContext(ctx,
		`SELECT ci.cart_id, ci.pack_id, c.user_id
		 FROM cart_items ci JOIN carts c ON c.id = ci.cart_id
		 WHERE ci.id = $1`,
		itemID,
	).Scan(&cartID, &packID, &ownerID)
	return
}

func (h *CartHandler) UpdateCartItem(c *gin.Context) {
	ctx, span := otel.Tracer("spice-shop").Start(c.Request.Context(), "UpdateCartItem")
	defer span.End()

	userID := c.GetInt64("user_id")

	itemID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		apiError(c, http.StatusBadRequest, CodeValidationError, "Invalid cart item ID")
		return
	}

	var req models.UpdateCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, CodeValidationError, err.Error())
		return
	}

	span.SetAttributes(
		attribute.Int64("user.id", userID),
		attribute.Int64("cart_item.id", itemID),
		attribute.Int("quantity", req.Quantity),
	)

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}
	defer tx.Rollback()

	cartID, packID, ownerID, err := resolveCartItem(ctx, tx, itemID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			apiError(c, http.StatusNotFound, CodeNotFound, "Cart item not found")
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to resolve cart item", zap.Int64("item_id", itemID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}
	if ownerID != userID {
		apiError(c, http.StatusForbidden, CodeNotOwned, "Cart item does not belong to you")
		return
	}

	if req.Quantity == 0 {
		// Setting quantity to zero removes the line.
		if _, err := tx.ExecContext(ctx, "DELETE FROM cart_items WHERE id = $1", itemID); err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to delete cart item", zap.Int64("item_id", itemID), zap.Error(err))
			apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
			return
		}
	} else {
		// Soft stock check. The ledger enforces the real limit at order time.
		var stock int
		var spiceName string
		err = tx.QueryRowContext(ctx,
			"SELECT stock, spice_name FROM spice_packs WHERE id = $1", packID,
		).Scan(&stock, &spiceName)
		if err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to look up pack stock", zap.Int64("pack_id", packID), zap.Error(err))
			apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
			return
		}
		if req.Quantity > stock {
			apiError(c, http.StatusBadRequest, CodeInsufficientStock,
				fmt.Sprintf("Not enough stock available for %s. Max available: %d", spiceName, stock))
			return
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE cart_items SET quantity = $1 WHERE id = $2", req.Quantity, itemID); err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to update cart item", zap.Int64("item_id", itemID), zap.Error(err))
			apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
			return
		}
	}

	if err := recalcCartTotals(ctx, tx, cartID); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to recompute cart totals", zap.Int64("cart_id", cartID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	cart, err := loadCart(ctx, h.db, userID)
	if err != nil {
		span.RecordError(err)
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}
	c.JSON(http.StatusOK, cart)
}

func (h *CartHandler) RemoveCartItem(c *gin.Context) {
	ctx, span := otel.Tracer("spice-shop").Start(c.Request.Context(), "RemoveCartItem")
	defer span.End()

	userID := c.GetInt64("user_id")

	itemID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		apiError(c, http.StatusBadRequest, CodeValidationError, "Invalid cart item ID")
		return
	}

	span.SetAttributes(
		attribute.Int64("user.id", userID),
		attribute.Int64("cart_item.id", itemID),
	)

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}
	defer tx.Rollback()

	cartID, _, ownerID, err := resolveCartItem(ctx, tx, itemID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			apiError(c, http.StatusNotFound, CodeNotFound, "Cart item not found")
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to resolve cart item", zap.Int64("item_id", itemID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}
	if ownerID != userID {
		apiError(c, http.StatusForbidden, CodeNotOwned, "Cart item does not belong to you")
		return
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM cart_items WHERE id = $1", itemID); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to delete cart item", zap.Int64("item_id", itemID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	if err := recalcCartTotals(ctx, tx, cartID); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to recompute cart totals", zap.Int64("cart_id", cartID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	h.logger.Info("Cart item removed", zap.Int64("user_id", userID), zap.Int64("item_id", itemID))
	c.JSON(http.StatusOK, gin.H{"message": "Item removed from cart"})
}
