package app

import (
	"errors"
	"fmt"
	"net/http"

	"quill/internal/provider"
)

const (
	codeValidation      = "VALIDATION_ERROR"
	codeProvider        = "PROVIDER_ERROR"
	codeNotFound        = "NOT_FOUND"
	codeStore           = "STORE_ERROR"
	codeNotSaved        = "NOT_SAVED"
	codeNotConfigured   = "PROVIDER_NOT_CONFIGURED"
	codeUnknownProvider = "UNKNOWN_PROVIDER"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	Err     error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusBadRequest, codeValidation, message, nil)
}

func notFoundError(message string) *DomainError {
	return domainError(http.StatusNotFound, codeNotFound, message, nil)
}

func storeError(err error) *DomainError {
	derr := domainError(http.StatusInternalServerError, codeStore, "Storage failure", nil)
	derr.Err = err
	return derr
}

// providerError keeps the provider's safe detail and drops everything else.
func providerError(err error) *DomainError {
	message := "Text generation failed"
	var perr *provider.Error
	if errors.As(err, &perr) {
		message = perr.SafeMessage()
	}
	derr := domainError(http.StatusInternalServerError, codeProvider, message, nil)
	derr.Err = err
	return derr
}

// notSavedError reports text that was generated but could not be stored, so
// the caller can still keep it.
func notSavedError(err error, improvedText string) *DomainError {
	derr := domainError(http.StatusInternalServerError, codeNotSaved, "Text generated but not saved", map[string]any{
		"improved_text": improvedText,
	})
	derr.Err = err
	return derr
}
