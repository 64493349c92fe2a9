package domain

import "errors"

var (
	ErrUnknownPaymentSystem = errors.New("unknown payment system")
	// ErrInvoiceNotFound means the processor does not know the invoice yet.
	// Callers treat it as pending.
	ErrInvoiceNotFound = errors.New("invoice not found at provider")
	// ErrProviderAuth means the processor rejected our credentials.
	ErrProviderAuth = errors.New("provider rejected credentials")
)
