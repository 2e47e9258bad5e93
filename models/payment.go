package models

import "time"

// Payment is the single payment record attached to an order at creation.
// The reconciler moves it out of pending exactly once.
type Payment struct {
	ID             int64         `json:"id"`
	OrderID        int64         `json:"order_id"`
	Method         PaymentMethod `json:"method"`
	Amount         float64       `json:"amount"`
	Status         PaymentStatus `json:"status"`
	GatewayOrderID string        `json:"gateway_order_id,omitempty"`
	TransactionID  string        `json:"transaction_id,omitempty"`
	FailureReason  string        `json:"failure_reason,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	PaidAt         *time.Time    `json:"paid_at,omitempty"`
}

type VerifyPaymentRequest struct {
	OrderID          int64  `json:"order_id" binding:"required"`
	GatewayOrderID   string `json:"gateway_order_id" binding:"required"`
	GatewayPaymentID string `json:"gateway_payment_id" binding:"required"`
	Signature        string `json:"signature" binding:"required"`
}

type VerifyPaymentResponse struct {
	OrderID       int64         `json:"order_id"`
	OrderNumber   string        `json:"order_number"`
	PaymentStatus PaymentStatus `json:"payment_status"`
}
