package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

const (
	httpMaxRetries     = 3
	httpInitialBackoff = 1 * time.Second
)

// HTTPProvider talks to an OpenAI-compatible /embeddings endpoint over HTTP,
// covering hosted remote-API backends (spec.md §4.D).
type HTTPProvider struct {
	httpClient     *http.Client
	baseURL        string
	apiKey         string
	model          string
	maxRetries     int
	initialBackoff time.Duration
}

// NewHTTPProvider builds a remote embedding provider. baseURL must point at
// an endpoint accepting {"model","input"} and returning {"data":[{"embedding"}]}.
func NewHTTPProvider(baseURL, apiKey, model string) *HTTPProvider {
	return &HTTPProvider{
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		baseURL:        baseURL,
		apiKey:         apiKey,
		model:          model,
		maxRetries:     httpMaxRetries,
		initialBackoff: httpInitialBackoff,
	}
}

func (p *HTTPProvider) ModelID() string {
	return "remote:" + p.model
}

type httpEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type httpEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *HTTPProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	var lastErr error

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := p.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		vec, err := p.doEmbed(ctx, text)
		if err == nil {
			return vec, nil
		}

		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !IsRetryable(err) {
			return nil, fmt.Errorf("non-retryable error: %w", err)
		}
	}

	return nil, fmt.Errorf("failed after %d attempts: %w", p.maxRetries+1, lastErr)
}

func (p *HTTPProvider) doEmbed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(httpEmbedRequest{Model: p.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("encoding embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embed request failed: status %d: %s", resp.StatusCode, data)
	}

	var parsed httpEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding embed response: %w", err)
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embed response had no vectors")
	}
	return parsed.Data[0].Embedding, nil
}
