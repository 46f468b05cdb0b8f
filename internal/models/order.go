package models

import "time"

// OrderStatus is the fulfilment state of an order.
type OrderStatus string

const (
	StatusPending    OrderStatus = "Pending"
	StatusProcessing OrderStatus = "Processing"
	StatusShipped    OrderStatus = "Shipped"
	StatusDelivered  OrderStatus = "Delivered"
	StatusCancelled  OrderStatus = "Cancelled"
)

// allowedTransitions is the forward-only allow-list used when the status guard is strict.
var allowedTransitions = map[OrderStatus][]OrderStatus{
	StatusPending:    {StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled},
	StatusProcessing: {StatusShipped, StatusDelivered, StatusCancelled},
	StatusShipped:    {StatusDelivered, StatusCancelled},
	StatusDelivered:  {},
	StatusCancelled:  {},
}

// Valid reports whether s is one of the known statuses.
func (s OrderStatus) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// CanTransitionTo reports whether the allow-list permits moving from s to next.
// Staying in the same status is always permitted.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s == next {
		return next.Valid()
	}
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// CancelledBy records which actor cancelled an order. Empty means not cancelled.
type CancelledBy string

const (
	CancelledByNone     CancelledBy = ""
	CancelledByCustomer CancelledBy = "customer"
	CancelledByAdmin    CancelledBy = "admin"
)

// OrderItem is a snapshot of a product line taken when the order is placed.
type OrderItem struct {
	Name      string  `json:"name" validate:"required"`
	Quantity  int     `json:"quantity" validate:"required,gt=0"`
	Image     string  `json:"image" validate:"required"`
	Price     float64 `json:"price" validate:"gte=0"`
	ProductID string  `json:"product" validate:"required"`
}

// ShippingAddress holds delivery contact details. Every field is optional.
type ShippingAddress struct {
	Name       string `json:"name,omitempty"`
	Phone      string `json:"phone,omitempty"`
	MpesaPhone string `json:"mpesaPhone,omitempty"`
	Address    string `json:"address,omitempty"`
}

// PaymentResult is the last receipt received from the payment provider.
type PaymentResult struct {
	TransactionID string `json:"transactionId,omitempty"`
	Status        string `json:"status,omitempty"`
	UpdateTime    string `json:"updateTime,omitempty"`
}

// Order represents a customer order.
type Order struct {
	ID                string          `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID            string          `json:"user" gorm:"type:varchar(36);not null;index:idx_orders_visibility,priority:1"`
	OrderItems        []OrderItem     `json:"orderItems" gorm:"serializer:json;type:text"`
	ShippingAddress   ShippingAddress `json:"shippingAddress" gorm:"embedded;embeddedPrefix:shipping_"`
	PaymentMethod     string          `json:"paymentMethod" gorm:"type:varchar(32);not null;default:M-Pesa"`
	PaymentResult     PaymentResult   `json:"paymentResult" gorm:"embedded;embeddedPrefix:payment_"`
	CheckoutRequestID string          `json:"checkoutRequestId,omitempty" gorm:"type:varchar(64);index"`
	TotalPrice        float64         `json:"totalPrice" gorm:"not null;default:0"`
	IsPaid            bool            `json:"isPaid" gorm:"not null;default:false"`
	PaidAt            *time.Time      `json:"paidAt,omitempty"`
	IsDelivered       bool            `json:"isDelivered" gorm:"not null;default:false"`
	DeliveredAt       *time.Time      `json:"deliveredAt,omitempty"`
	Status            OrderStatus     `json:"status" gorm:"type:varchar(16);not null;default:Pending"`
	AdminResponse     string          `json:"adminResponse,omitempty"`
	CancelledBy       CancelledBy     `json:"cancelledBy,omitempty" gorm:"type:varchar(16);index"`
	CancelledAt       *time.Time      `json:"cancelledAt,omitempty" gorm:"index:idx_orders_visibility,priority:3"`
	IsDeleted         bool            `json:"-" gorm:"not null;default:false;index:idx_orders_visibility,priority:2"`
	DeletedAt         *time.Time      `json:"-"`
	CreatedAt         time.Time       `json:"createdAt" gorm:"index"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}
