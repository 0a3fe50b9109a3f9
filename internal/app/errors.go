package app

import "fmt"

// DomainError is a client-visible failure: NOT_FOUND, VALIDATION_ERROR, and
// friends. Revision outcomes like already_revised are payload data, never
// DomainErrors.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
