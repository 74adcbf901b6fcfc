package subscription

import "errors"

var (
	ErrConflict          = errors.New("user already has a pending or active subscription")
	ErrNotFound          = errors.New("subscription not found")
	ErrForbidden         = errors.New("subscription belongs to another user")
	ErrInsufficientFunds = errors.New("insufficient wallet balance")
	ErrPaymentFailed     = errors.New("payment failed")
	ErrPaymentGateway    = errors.New("payment gateway error")
	ErrInvalidWebhook    = errors.New("invalid webhook")
	// ErrNotApplicable means the operation targets a record that is missing
	// or in a state the operation does not start from.
	ErrNotApplicable   = errors.New("operation not applicable to subscription state")
	ErrInvalidArgument = errors.New("invalid argument")
)
