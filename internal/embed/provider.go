// Package embed implements the embedding service (spec.md §4.D): a bounded
// work queue of polymorphic providers that turn bullet text into vectors,
// backed by a content-addressed cache so identical text is never embedded
// twice.
package embed

import "context"

// Provider computes an embedding vector for a piece of text. Implementations
// wrap a specific backend (local Ollama model, remote HTTP API) behind a
// uniform interface so the queue and cache logic stay backend-agnostic.
type Provider interface {
	// ModelID identifies the provider+model combination; it is part of the
	// cache key so switching models never serves a stale vector.
	ModelID() string
	// Embed returns the vector for text, or an error classified by
	// IsRetryable (spec.md §7 ProviderTransient/ProviderHardFailure).
	Embed(ctx context.Context, text string) ([]float32, error)
}
