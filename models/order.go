package models

import "time"

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"    // placed, payment not confirmed
	OrderStatusProcessing OrderStatus = "processing" // payment confirmed, preparing shipment
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
)

type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusCompleted         PaymentStatus = "completed"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
)

type PaymentMethod string

const (
	PaymentMethodCOD     PaymentMethod = "cod"
	PaymentMethodGateway PaymentMethod = "gateway"
)

// CanTransitionOrder reports whether an order may move from one status to
// another. The happy path is pending -> processing -> shipped -> delivered;
// pending orders may be cancelled, and any non-terminal order may be refunded.
func CanTransitionOrder(from, to OrderStatus) bool {
	switch from {
	case OrderStatusPending:
		return to == OrderStatusProcessing || to == OrderStatusCancelled || to == OrderStatusRefunded
	case OrderStatusProcessing:
		return to == OrderStatusShipped || to == OrderStatusRefunded
	case OrderStatusShipped:
		return to == OrderStatusDelivered || to == OrderStatusRefunded
	case OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return false
	}
	return false
}

// CanTransitionPayment enforces monotonic payment transitions: a terminal
// payment status never moves backward.
func CanTransitionPayment(from, to PaymentStatus) bool {
	switch from {
	case PaymentStatusPending:
		return to == PaymentStatusCompleted || to == PaymentStatusFailed
	case PaymentStatusCompleted:
		return to == PaymentStatusRefunded || to == PaymentStatusPartiallyRefunded
	}
	return false
}

// Order is the immutable snapshot of a completed checkout. Only its status
// fields ever change after creation.
type Order struct {
	ID                  int64           `json:"id"`
	OrderNumber         string          `json:"order_number"`
	UserID              int64           `json:"user_id"`
	Subtotal            float64         `json:"subtotal"`
	ShippingCost        float64         `json:"shipping_cost"`
	Total               float64         `json:"total"`
	OrderStatus         OrderStatus     `json:"order_status"`
	PaymentStatus       PaymentStatus   `json:"payment_status"`
	PaymentMethod       PaymentMethod   `json:"payment_method"`
	GatewayOrderID      string          `json:"gateway_order_id,omitempty"`
	Shipping            ShippingAddress `json:"shipping_address"`
	OrderNotes          string          `json:"order_notes,omitempty"`
	NeedsReconciliation bool            `json:"-"`
	Items               []OrderItem     `json:"items,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	PaidAt              *time.Time      `json:"paid_at,omitempty"`
}

// OrderItem freezes the pack's name, grade, weight and unit price at order
// time so later catalog changes never touch the order.
type OrderItem struct {
	ID              int64   `json:"id"`
	OrderID         int64   `json:"order_id"`
	PackID          int64   `json:"pack_id"`
	SpiceName       string  `json:"spice_name"`
	QualityClass    string  `json:"quality_class"`
	PackWeightGrams int     `json:"pack_weight_grams"`
	UnitPrice       float64 `json:"unit_price"`
	Quantity        int     `json:"quantity"`
}

type ShippingAddress struct {
	FirstName    string `json:"first_name" binding:"required"`
	LastName     string `json:"last_name"`
	AddressLine1 string `json:"address_line1" binding:"required"`
	AddressLine2 string `json:"address_line2"`
	City         string `json:"city" binding:"required"`
	State        string `json:"state" binding:"required"`
	PinCode      string `json:"pin_code" binding:"required"`
	Phone        string `json:"phone" binding:"required"`
}

type PlaceOrderRequest struct {
	PaymentMethod   PaymentMethod   `json:"payment_method" binding:"required,oneof=cod gateway"`
	ShippingAddress ShippingAddress `json:"shipping_address" binding:"required"`
	OrderNotes      string          `json:"order_notes"`
}

type PlaceOrderResponse struct {
	OrderID        int64         `json:"order_id"`
	OrderNumber    string        `json:"order_number"`
	Total          float64       `json:"total"`
	PaymentMethod  PaymentMethod `json:"payment_method"`
	GatewayOrderID string        `json:"gateway_order_id,omitempty"`
}

type UpdateOrderStatusRequest struct {
	Status OrderStatus `json:"status" binding:"required"`
}

// OrderEvent is the payload published to Kafka when an order is confirmed or
// a payment finalizes. Consumed by the notification worker.
type OrderEvent struct {
	OrderID       int64         `json:"order_id"`
	OrderNumber   string        `json:"order_number"`
	UserID        int64         `json:"user_id"`
	Email         string        `json:"email"`
	Total         float64       `json:"total"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	TransactionID string        `json:"transaction_id,omitempty"`
	EventType     string        `json:"event_type"` // order_confirmed, payment_failed
}
