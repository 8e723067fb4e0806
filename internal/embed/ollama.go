package embed

import (
	"context"
	"fmt"
	"time"

	"github.com/ollama/ollama/api"
)

// OllamaProvider is the `local_on_device` provider (spec.md §4.D): it talks
// to a local Ollama server for fully offline embedding.
type OllamaProvider struct {
	client *api.Client
	model  string
}

// NewOllamaProvider builds a provider from the OLLAMA_HOST environment
// variable (api.ClientFromEnvironment), defaulting to nomic-embed-text when
// model is empty.
func NewOllamaProvider(model string) (*OllamaProvider, error) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("creating ollama client: %w", err)
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	return &OllamaProvider{client: client, model: model}, nil
}

func (p *OllamaProvider) ModelID() string {
	return "local_on_device:" + p.model
}

// Available probes the Ollama server with a short timeout, used to fail
// fast rather than block the embedding queue on a down local server.
func (p *OllamaProvider) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := p.client.List(ctx)
	return err == nil
}

func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if !p.Available(ctx) {
		return nil, ErrProviderUnavailable
	}
	resp, err := p.client.Embed(ctx, &api.EmbedRequest{Model: p.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("ollama embed: empty response")
	}
	return resp.Embeddings[0], nil
}
