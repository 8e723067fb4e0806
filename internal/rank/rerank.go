package rank

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultRerankModel   = "claude-3-5-haiku-20241022"
	rerankMaxRetries     = 3
	rerankInitialBackoff = 1 * time.Second
	rerankPoolLimit      = 60
)

// ErrAPIKeyRequired is returned when no Anthropic API key is configured.
var ErrAPIKeyRequired = errors.New("ANTHROPIC_API_KEY required for reranking")

// AnthropicReranker is the cross-encoder scoring service (spec.md §4.G
// stage 6): it prompts a small model to emit a single 0-1 relevance score
// per (query, bullet text) pair. Modeled directly on
// internal/compact/haiku.go's HaikuClient retry shape.
type AnthropicReranker struct {
	client         anthropic.Client
	model          anthropic.Model
	maxRetries     int
	initialBackoff time.Duration
}

// NewAnthropicReranker builds a reranker. Env var ANTHROPIC_API_KEY takes
// precedence over explicit apiKey.
func NewAnthropicReranker(apiKey, model string) (*AnthropicReranker, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, ErrAPIKeyRequired
	}
	if model == "" {
		model = defaultRerankModel
	}
	return &AnthropicReranker{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:          anthropic.Model(model),
		maxRetries:     rerankMaxRetries,
		initialBackoff: rerankInitialBackoff,
	}, nil
}

// Score returns a relevance score in [0,1] for bulletText against query.
func (a *AnthropicReranker) Score(ctx context.Context, query, bulletText string) (float64, error) {
	prompt := fmt.Sprintf(
		"Rate how relevant this note is to the query on a scale from 0.0 to 0.9999. "+
			"Respond with ONLY the number, nothing else.\n\nQuery: %s\n\nNote: %s",
		query, bulletText)

	text, err := a.callWithRetry(ctx, prompt)
	if err != nil {
		return 0, err
	}

	score, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing rerank score %q: %w", text, err)
	}
	return score, nil
}

func (a *AnthropicReranker) callWithRetry(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 16,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := a.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		message, err := a.client.Messages.New(ctx, params)
		if err == nil {
			if len(message.Content) > 0 && message.Content[0].Type == "text" {
				return message.Content[0].Text, nil
			}
			return "", fmt.Errorf("unexpected rerank response format")
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRerankRetryable(err) {
			return "", fmt.Errorf("non-retryable rerank error: %w", err)
		}
	}
	return "", fmt.Errorf("rerank failed after %d attempts: %w", a.maxRetries+1, lastErr)
}

func isRerankRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

// rerank takes the top rerankPoolLimit candidates, scores each against
// query, and replaces the fused score with the cross-encoder's score,
// preserving the (score, bullet_id) tie-break (spec.md §4.G stage 6).
// Candidates beyond the pool limit keep their fused score from stage 4.
func (r *Ranker) rerank(ctx context.Context, query string, candidates []candidate) []candidate {
	pool := candidates
	rest := candidates[:0:0]
	if len(pool) > rerankPoolLimit {
		rest = append(rest, candidates[rerankPoolLimit:]...)
		pool = candidates[:rerankPoolLimit]
	}

	for i := range pool {
		score, err := r.reranker.Score(ctx, query, pool[i].Text)
		if err != nil {
			// Leave the fused score from stage 4 in place; a reranker
			// outage degrades ranking quality, not correctness.
			continue
		}
		pool[i].fused = score
	}

	out := append([]candidate(nil), pool...)
	out = append(out, rest...)
	return out
}
