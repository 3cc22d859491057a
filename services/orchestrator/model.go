package orchestrator

import (
	"smallbiznis-billing/services/subscription"
)

type CheckoutRequest struct {
	Email string `json:"email" binding:"omitempty,email"`
}

type ConfirmRequest struct {
	Code string `json:"code"`
}

type RejectRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type ChangeMethodRequest struct {
	PaymentMethod subscription.PaymentMethod `json:"payment_method" binding:"required"`
}
