package settlement

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientFunds means the wallet balance check failed; nothing
	// was written.
	ErrInsufficientFunds = errors.New("insufficient wallet funds")

	// ErrUnknownReference means no local record matches the payment
	// reference.
	ErrUnknownReference = errors.New("unknown payment reference")

	// ErrOrphanedReference means a ledger row points at a user or order
	// that no longer exists. The reference is excluded from automated
	// processing and needs operator review.
	ErrOrphanedReference = errors.New("orphaned payment reference")

	// errClaimLost is internal: another caller won the conditional claim.
	// Callers translate it into the already-settled terminal state.
	errClaimLost = errors.New("settlement claim lost")
)

// ValidationError rejects bad input before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StockError rejects an order whose line item cannot be fulfilled.
type StockError struct {
	ProductID string
	Name      string
	Requested int
	Available int
}

func (e *StockError) Error() string {
	if e.Available < 0 {
		return fmt.Sprintf("product %q is unavailable", e.Name)
	}
	return fmt.Sprintf("insufficient stock for %q: requested %d, available %d",
		e.Name, e.Requested, e.Available)
}
