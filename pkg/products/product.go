// Package products holds the product catalog domain: the record type, the
// store operations, and the connection-scoped accessors that execute them
// with a brokered credential.
package products

import (
	"errors"
	"fmt"
)

// Product is one catalog entry.
type Product struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

// Business-logic failures. These are propagated to the caller untouched;
// they are not auth failures and must not trigger re-brokering.
var (
	ErrNotFound      = errors.New("product not found")
	ErrDuplicateName = errors.New("product with this name already exists")
	ErrEmptyName     = errors.New("product name cannot be empty")
)

// ErrCredentialExpired is returned when the brokered credential's lease has
// elapsed before or during the access. The caller re-brokers once; it never
// retries blindly with the dead credential.
var ErrCredentialExpired = errors.New("brokered credential expired")

// ConnectionRefusedError wraps a backend or network failure opening the data
// store connection. Retryable once with the same credential if it has not
// expired.
type ConnectionRefusedError struct {
	Err error
}

func (e *ConnectionRefusedError) Error() string {
	return fmt.Sprintf("data store connection refused: %v", e.Err)
}

func (e *ConnectionRefusedError) Unwrap() error { return e.Err }

// IsConnectionRefused reports whether err is a transient connection failure.
func IsConnectionRefused(err error) bool {
	var ce *ConnectionRefusedError
	return errors.As(err, &ce)
}
