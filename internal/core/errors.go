package core

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidQuantity     = errors.New("invalid quantity")
	ErrInvalidDate         = errors.New("invalid date")
	ErrInvalidStatus       = errors.New("invalid status")
	ErrEmptyUserID         = errors.New("empty user id")
	ErrEmptyProfileID      = errors.New("empty profile id")
	ErrEmptyProfileName    = errors.New("empty profile name")
	ErrEmptyWorkstreamID   = errors.New("empty workstream id")
	ErrEmptyWorkstreamName = errors.New("empty workstream name")
	ErrUnknownProfile      = errors.New("unknown profile reference")
	ErrUnknownWorkstream   = errors.New("unknown workstream reference")
	ErrAmbiguousDecimals   = errors.New("ambiguous decimal convention")
	ErrRateConflict        = errors.New("conflicting daily rate for profile")
)

// MalformedInputError rejects a whole CSV file: bad structure, missing
// required columns, or an undecidable decimal convention. Line and Column are
// 1-based; zero means the error is not tied to a single cell.
type MalformedInputError struct {
	Line   int
	Column int
	Reason string
}

func (e *MalformedInputError) Error() string {
	switch {
	case e.Line > 0 && e.Column > 0:
		return fmt.Sprintf("malformed input at line %d, column %d: %s", e.Line, e.Column, e.Reason)
	case e.Line > 0:
		return fmt.Sprintf("malformed input at line %d: %s", e.Line, e.Reason)
	default:
		return "malformed input: " + e.Reason
	}
}

// RowError is a row-level validation failure that was isolated from the rest
// of the batch. Line is the 1-based CSV line the row came from.
type RowError struct {
	Line  int
	Field string
	Err   error
}

func (e *RowError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("line %d: field %q: %v", e.Line, e.Field, e.Err)
	}
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// TransactionError signals that a batch commit could not complete atomically
// and was rolled back.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction failed during %s: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// UnmappedEntityError means a canonical entity reached the anonymization
// boundary without an assigned pseudonym while the mapping was read-only.
/// It is fatal: the engine never fabricates or skips an identity.
type UnmappedEntityError struct {
	Kind string
	ID   string
}

func (e *UnmappedEntityError) Error() string {
	return fmt.Sprintf("no pseudonym assigned for %s %q", e.Kind, e.ID)
}
