package models

import "errors"

// Error kinds surfaced by the pipelines. Callers match them with errors.Is;
// the wrapped message carries the detail.
var (
	// ErrValidation indicates rejected input, before any store or service call.
	ErrValidation = errors.New("validation error")

	// ErrNotFound indicates the referenced document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrEmbedding indicates the embedding service failed or returned malformed data.
	ErrEmbedding = errors.New("embedding service error")

	// ErrGeneration indicates the language generation service failed.
	ErrGeneration = errors.New("generation service error")

	// ErrStore indicates a transaction or connection failure.
	ErrStore = errors.New("store error")

	// ErrFetch indicates a web source could not be retrieved.
	ErrFetch = errors.New("source fetch error")
)
