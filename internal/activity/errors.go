package activity

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthenticity marks a page discarded because one of its entries was
	// not signed by the account address it claims.
	ErrAuthenticity = errors.New("activity failed signature verification")
	// ErrMalformedEntry marks an entry whose structure cannot be reconciled.
	ErrMalformedEntry = errors.New("malformed activity entry")
)

type AuthenticityError struct {
	AccountID   uint64
	Sequence    int64
	ContentHash string
}

func (e *AuthenticityError) Error() string {
	return fmt.Sprintf("account %d: activity %q at sequence %d failed signature verification", e.AccountID, e.ContentHash, e.Sequence)
}

func (e *AuthenticityError) Unwrap() error {
	return ErrAuthenticity
}
