package augment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

const (
	defaultModelName      = "claude-3-5-haiku-latest"
	defaultMaxTokens      = 4096
	defaultModelRetries   = 3
	defaultInitialBackoff = 1 * time.Second
)

// errAPIKeyRequired is returned when an API key is needed but not provided.
var errAPIKeyRequired = errors.New("API key required")

// Usage counts tokens for one or more model calls.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

func (u *Usage) add(v Usage) {
	u.InputTokens += v.InputTokens
	u.OutputTokens += v.OutputTokens
}

// Model is the LLM boundary for gap filling and query rewriting.
// Client implements it against the Anthropic API; tests substitute a
// stub.
type Model interface {
	Complete(ctx context.Context, prompt string) (string, Usage, error)
}

// Client wraps the Anthropic API with bounded retries. It also
// implements query.Rewriter for the v2 query pipeline.
type Client struct {
	client         anthropic.Client
	model          anthropic.Model
	maxTokens      int64
	maxRetries     int
	initialBackoff time.Duration
	log            *zap.Logger
}

// NewClient creates a model client. Env var ANTHROPIC_API_KEY takes
// precedence over the explicit apiKey; an empty model picks the
// default.
func NewClient(apiKey, model string, log *zap.Logger) (*Client, error) {
	envKey := os.Getenv("ANTHROPIC_API_KEY")
	if envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or provide one via config", errAPIKeyRequired)
	}
	if model == "" {
		model = defaultModelName
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:          anthropic.Model(model),
		maxTokens:      defaultMaxTokens,
		maxRetries:     defaultModelRetries,
		initialBackoff: defaultInitialBackoff,
		log:            log,
	}, nil
}

// ModelName returns the configured model identifier, used in the
// extraction cache identity.
func (c *Client) ModelName() string { return string(c.model) }

// Complete sends one prompt and returns the text of the first content
// block. 429 and 5xx responses and network timeouts are retried with
// exponential backoff; everything else fails immediately.
func (c *Client) Complete(ctx context.Context, prompt string) (string, Usage, error) {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", Usage{}, ctx.Err()
			}
		}

		t0 := time.Now()
		message, err := c.client.Messages.New(ctx, params)
		if err == nil {
			usage := Usage{
				InputTokens:  message.Usage.InputTokens,
				OutputTokens: message.Usage.OutputTokens,
			}
			c.log.Debug("model call complete",
				zap.String("model", string(c.model)),
				zap.Int64("input_tokens", usage.InputTokens),
				zap.Int64("output_tokens", usage.OutputTokens),
				zap.Int("attempts", attempt+1),
				zap.Duration("elapsed", time.Since(t0)))

			if len(message.Content) == 0 {
				return "", usage, fmt.Errorf("unexpected response format: no content blocks")
			}
			content := message.Content[0]
			if content.Type != "text" {
				return "", usage, fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type)
			}
			return content.Text, usage, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", Usage{}, ctx.Err()
		}
		if !isRetryable(err) {
			return "", Usage{}, fmt.Errorf("non-retryable error: %w", err)
		}
	}
	return "", Usage{}, fmt.Errorf("failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

func isRetryable(err error) bool {
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

const rewritePrompt = `Rewrite this research question as a short keyword query for bibliographic search engines. Keep every medical and scientific term, drop filler words, and do not add concepts the question does not contain. Reply with the query only.

Question: %s`

// Rewrite implements query.Rewriter: a single short completion that
// turns a natural-language question into a keyword query.
func (c *Client) Rewrite(ctx context.Context, question string) (string, error) {
	out, _, err := c.Complete(ctx, fmt.Sprintf(rewritePrompt, question))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
