package store

import (
	"errors"
	"strings"
)

var (
	ErrUsernameTaken   = errors.New("username already taken")
	ErrIPRegistered    = errors.New("an account is already registered from this address")
	ErrLoanNotFound    = errors.New("loan not found")
	ErrNotParty        = errors.New("account is not a party to the loan")
	ErrNotApprover     = errors.New("loan is not awaiting approval from this account")
	ErrAlreadyApproved = errors.New("loan already approved")
	ErrNotApproved     = errors.New("loan not approved yet")
	ErrAlreadyPaid     = errors.New("loan already paid")
	ErrNotLoaner       = errors.New("only the loaner can mark a loan paid")
)

// uniqueViolation returns the "table.column" named by a SQLite UNIQUE
// constraint failure, or "" if err is not one.
func uniqueViolation(err error) string {
	if err == nil {
		return ""
	}
	_, col, ok := strings.Cut(err.Error(), "UNIQUE constraint failed: ")
	if !ok {
		return ""
	}
	if i := strings.IndexAny(col, " ,)"); i >= 0 {
		col = col[:i]
	}
	return col
}
