// internal/llmclient/gemini_client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/chromefleet/internal/config"
)

var (
	// ErrNoKey is returned when no API key is configured.
	ErrNoKey = errors.New("llmclient: no API key configured")
	// ErrUnavailable is returned by Ask before a successful Verify.
	ErrUnavailable = errors.New("llmclient: client is not verified")
	ErrInvalidKey  = errors.New("llmclient: API key is not valid")
	ErrBlocked     = errors.New("llmclient: prompt blocked by content policy")
	ErrPermission  = errors.New("llmclient: no permission to use the API")
	ErrQuota       = errors.New("llmclient: quota or rate limit exceeded")
	ErrTimeout     = errors.New("llmclient: request timed out")
	ErrRequest     = errors.New("llmclient: request failed")
)

// models is the slice of the genai Models service the client uses.
type models interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	List(ctx context.Context, config *genai.ListModelsConfig) (genai.Page[genai.Model], error)
}

// GeminiClient answers prompts about screenshots with a Gemini model.
type GeminiClient struct {
	models  models
	model   string
	maxSide int
	timeout time.Duration
	logger  *zap.Logger
	valid   atomic.Bool

	backoffFactory func() backoff.BackOff
}

// NewGeminiClient creates the client. It does not contact the API; call
// Verify before use.
func NewGeminiClient(ctx context.Context, cfg config.GeminiConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoKey
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return newGeminiClient(client.Models, cfg, logger), nil
}

func newGeminiClient(m models, cfg config.GeminiConfig, logger *zap.Logger) *GeminiClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &GeminiClient{
		models:  m,
		model:   cfg.Model,
		maxSide: cfg.MaxImageSide,
		timeout: cfg.Timeout,
		logger:  logger.Named("llm_client.gemini"),
	}
	if c.model == "" {
		c.model = "gemini-2.0-flash"
	}
	if c.maxSide <= 0 {
		c.maxSide = DefaultMaxSide
	}
	if c.timeout <= 0 {
		c.timeout = time.Minute
	}
	c.backoffFactory = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.MaxInterval = 10 * time.Second
		b.MaxElapsedTime = c.timeout
		return b
	}
	return c
}

// Valid reports whether the last Verify succeeded.
func (c *GeminiClient) Valid() bool { return c.valid.Load() }

// Verify lists the available models to check the key.
func (c *GeminiClient) Verify(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if _, err := c.models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		c.valid.Store(false)
		err = classify(err)
		c.logger.Warn("AI helper is not working.", zap.Error(err))
		return err
	}
	c.valid.Store(true)
	c.logger.Info("AI helper is working.", zap.String("model", c.model))
	return nil
}

// Ask sends prompt, preceded by the resized image when png is not empty, and
// returns the model's text answer.
func (c *GeminiClient) Ask(ctx context.Context, prompt string, png []byte) (string, error) {
	if !c.Valid() {
		return "", ErrUnavailable
	}

	var parts []*genai.Part
	if len(png) > 0 {
		img, err := Resize(png, c.maxSide)
		if err != nil {
			return "", fmt.Errorf("prepare image: %w", err)
		}
		parts = append(parts, genai.NewPartFromBytes(img, "image/png"))
	}
	parts = append(parts, genai.NewPartFromText(prompt))
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var answer string
	start := time.Now()
	operation := func() error {
		resp, err := c.models.GenerateContent(ctx, c.model, contents, nil)
		if err != nil {
			if retryable(err) {
				c.logger.Warn("Transient AI error, retrying.", zap.Error(err))
				return err
			}
			return backoff.Permanent(err)
		}
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrBlocked, resp.PromptFeedback.BlockReason))
		}
		text := resp.Text()
		if text == "" && len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrBlocked, genai.FinishReasonSafety))
		}
		answer = strings.TrimSpace(text)
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.backoffFactory(), ctx)); err != nil {
		err = classify(err)
		c.logger.Error("AI request failed.", zap.Error(err))
		return "", err
	}
	c.logger.Info("AI request complete.", zap.Duration("duration", time.Since(start)), zap.Int("answer_len", len(answer)))
	return answer, nil
}

// retryable reports server side failures worth another attempt.
func retryable(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == 500 || apiErr.Code == 503
	}
	return false
}

// classify maps an API failure onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrBlocked, ErrInvalidKey, ErrPermission, ErrQuota, ErrTimeout} {
		if errors.Is(err, known) {
			return err
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	var apiErr genai.APIError
	isAPI := errors.As(err, &apiErr)

	switch {
	case strings.Contains(msg, "INVALID_ARGUMENT") || strings.Contains(msg, "API key not valid"):
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	case strings.Contains(lower, "blocked"):
		return fmt.Errorf("%w: %v", ErrBlocked, err)
	case strings.Contains(lower, "permission") || (isAPI && apiErr.Code == 403):
		return fmt.Errorf("%w: %v", ErrPermission, err)
	case strings.Contains(lower, "quota") || strings.Contains(lower, "limit") || (isAPI && apiErr.Code == 429):
		return fmt.Errorf("%w: %v", ErrQuota, err)
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline"):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrRequest, err)
	}
}
