package models

import "time"

// Shipping pricing rule shared by cart totals and order totals.
// Orders at or above the threshold ship free, everything else pays the flat fee.
const (
	FreeShippingThreshold = 500.0
	FlatShippingFee       = 50.0
)

// ShippingCost returns the shipping charge for a given subtotal.
func ShippingCost(subtotal float64) float64 {
	if subtotal >= FreeShippingThreshold {
		return 0
	}
	return FlatShippingFee
}

// Cart is a customer's in-progress selection. At most one open cart exists per
// customer; it is created lazily and deleted outright once its order commits.
type Cart struct {
	ID           int64      `json:"id"`
	UserID       int64      `json:"user_id"`
	Subtotal     float64    `json:"subtotal"`
	ShippingCost float64    `json:"shipping_cost"`
	Total        float64    `json:"total"`
	Items        []CartItem `json:"items"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// CartItem references a pack by id; price is read live from the pack when
// totals are computed, never cached here.
type CartItem struct {
	ID              int64   `json:"id"`
	CartID          int64   `json:"cart_id"`
	PackID          int64   `json:"pack_id"`
	Quantity        int     `json:"quantity"`
	SpiceName       string  `json:"spice_name"`
	QualityClass    string  `json:"quality_class"`
	PackWeightGrams int     `json:"pack_weight_grams"`
	UnitPrice       float64 `json:"unit_price"`
	LineTotal       float64 `json:"line_total"`
}

type AddCartItemRequest struct {
	PackID   int64 `json:"pack_id" binding:"required"`
	Quantity int   `json:"quantity" binding:"required,gt=0"`
}

type UpdateCartItemRequest struct {
	Quantity int `json:"quantity" binding:"gte=0"`
}
