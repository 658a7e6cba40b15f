package domain

import "errors"

var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation error")
	ErrInvalidTransition = errors.New("invalid upload status transition")
	ErrQuotaExceeded     = errors.New("file quota exceeded")
	// ErrStreamFailure marks a model call that failed after the user message was stored.
	ErrStreamFailure = errors.New("stream failure")
	// ErrIngestion wraps any fetch/extract/embed/store failure; it only ever reaches logs.
	ErrIngestion = errors.New("ingestion failure")
)
