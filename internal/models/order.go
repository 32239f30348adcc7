package models

import (
	"errors"
	"time"
)

// OrderStatus is the external order lifecycle status.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// IsPaid reports whether the order counts as a completed purchase.
func (s OrderStatus) IsPaid() bool {
	switch s {
	case OrderStatusPaid, OrderStatusShipped, OrderStatusDelivered, OrderStatusCompleted:
		return true
	default:
		return false
	}
}

// PaidOrderStatuses lists the statuses for which IsPaid is true.
var PaidOrderStatuses = []OrderStatus{OrderStatusPaid, OrderStatusShipped, OrderStatusDelivered, OrderStatusCompleted}

// RecoveryStatus tracks whether a cart-recovery nudge was queued for an order.
type RecoveryStatus string

const (
	RecoveryStatusNone RecoveryStatus = "none"
	RecoveryStatusSent RecoveryStatus = "sent"
)

var ErrEmptyRecipient = errors.New("recipient cannot be empty")

// OrderItem is one line of an order.
type OrderItem struct {
	ProductName string `json:"product_name"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"` // cents
}

// Order is read-only to ShopPipe except for the recovery/win-back marks.
type Order struct {
	ID              string         `json:"id"`
	CustomerName    string         `json:"customer_name"`
	CustomerAddress string         `json:"customer_address"`
	Status          OrderStatus    `json:"status"`
	Total           int64          `json:"total"` // cents
	CreatedAt       time.Time      `json:"created_at"`
	RecoveryStatus  RecoveryStatus `json:"recovery_status"`
	WinbackStage    int            `json:"winback_stage"` // highest win-back tier (days) already queued
	Items           []OrderItem    `json:"items,omitempty"`
}

// VariantStock is the on-hand quantity of one product variant.
type VariantStock struct {
	ProductID   string `json:"product_id"`
	VariantName string `json:"variant_name"`
	Quantity    int    `json:"quantity"`
}

// RestockSubscription is a customer's request to hear when a variant is back.
// notified flips false -> true at most once; after that the row is inert.
type RestockSubscription struct {
	ID             string     `json:"id"`
	ProductID      string     `json:"product_id"`
	VariantName    string     `json:"variant_name"`
	ContactAddress string     `json:"contact_address"`
	CustomerName   string     `json:"customer_name,omitempty"`
	ProductName    string     `json:"product_name,omitempty"`
	Notified       bool       `json:"notified"`
	NotifiedAt     *time.Time `json:"notified_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
