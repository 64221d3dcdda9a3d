package repository

import (
	"errors"

	"github.com/lib/pq"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrDuplicateAccount    = errors.New("account already exists for user")
	ErrAlreadyProcessed    = errors.New("transaction already processed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicateRequest    = errors.New("withdrawal request already exists")
	ErrInvalidTransition   = errors.New("record is not in a state that allows this transition")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == uniqueViolation && (constraint == "" || pqErr.Constraint == constraint)
}
