package model

import "errors"

// Error kinds. Operations wrap one of these with detail, e.g.
//
//	fmt.Errorf("%w: competition ended", model.ErrValidation)
//
// and callers classify with errors.Is, never by message text.
var (
	// ErrValidation covers user-correctable input problems: bad symbol,
	// quantity or side, or a competition that no longer accepts trades.
	ErrValidation = errors.New("validation error")

	// ErrInsufficientFunds is a business-rule rejection of a buy.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientShares is a business-rule rejection of a sell.
	ErrInsufficientShares = errors.New("insufficient shares")

	// ErrConcurrencyConflict is transient and safe to retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrExternalService means the quote source was unavailable or timed out.
	ErrExternalService = errors.New("external service error")

	// ErrNotFound means the portfolio or competition does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is returned by the HTTP layer for missing credentials.
	ErrUnauthorized = errors.New("unauthorized")
)
