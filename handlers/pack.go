package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/nibin-joseph05/spice-shop/cache"
	"github.com/nibin-joseph05/spice-shop/models"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// PackHandler serves the public catalog read contract. Stock is only ever
// exposed as an in-stock boolean.
type PackHandler struct {
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger
}

func NewPackHandler(db *sql.DB, redisClient *redis.Client, logger *zap.Logger) *PackHandler {
	return &PackHandler{
		db:          db,
		redisClient: redisClient,
		logger:      logger,
	}
}

func (h *PackHandler) GetPack(c *gin.Context) {
	ctx, span := otel.Tracer("spice-shop").Start(c.Request.Context(), "GetPack")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(attribute.String("pack.id", id))

	// Try to get from cache first
	if h.redisClient != nil {
		cachedData, err := cache.GetPack(ctx, h.redisClient, id)
		if err == nil {
			var view models.PackView
			if err := json.Unmarshal(cachedData, &view); err == nil {
				span.SetAttributes(attribute.Bool("cache.hit", true))
				c.JSON(http.StatusOK, view)
				return
			}
		}
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	var pack models.SpicePack
	err := h.db.QueryRowContext(ctx,
		"SELECT id, spice_name, quality_class, pack_weight_grams, price, stock FROM spice_packs WHERE id = $1",
		id,
	).Scan(&pack.ID, &pack.SpiceName, &pack.QualityClass, &pack.PackWeightGrams, &pack.Price, &pack.Stock)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			apiError(c, http.StatusNotFound, CodeNotFound, "Pack not found")
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to fetch pack", zap.String("pack_id", id), zap.Error(err))
		apiError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	view := pack.View()

	// Cache the public view for 5 minutes
	if h.redisClient != nil {
		if err := cache.SetPack(ctx, h.redisClient, id, view, 5*time.Minute); err != nil {
			h.logger.Warn("Failed to cache pack", zap.String("pack_id", id), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, view)
}
