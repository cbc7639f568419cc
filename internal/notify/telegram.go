// Package notify delivers operator snapshots through a Telegram bot.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/chromefleet/internal/config"
	"github.com/xkilldash9x/chromefleet/internal/network"
)

// DefaultEndpoint is the public Bot API.
const DefaultEndpoint = "https://api.telegram.org"

var (
	// ErrInvalidSpec reports a bot spec without chat id and token.
	ErrInvalidSpec = errors.New("notify: telegram spec must be chat_id|token|endpoint")
	// ErrDisabled is returned once the bot has been rejected by the API.
	ErrDisabled = errors.New("notify: telegram bot is not valid")
	// ErrRejected reports an ok:false answer from the Bot API.
	ErrRejected = errors.New("notify: telegram rejected the request")
)

// Spec identifies a bot and the chat it posts to.
type Spec struct {
	ChatID   string
	Token    string
	Endpoint string
}

// ParseSpec parses "chat_id|token|endpoint". The endpoint is optional and is
// only used when it looks like a URL.
func ParseSpec(s string) (Spec, error) {
	parts := strings.Split(s, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Spec{}, ErrInvalidSpec
	}
	spec := Spec{ChatID: parts[0], Token: parts[1], Endpoint: DefaultEndpoint}
	if len(parts) >= 3 && strings.Contains(parts[len(parts)-1], "http") {
		spec.Endpoint = strings.TrimRight(parts[len(parts)-1], "/")
	}
	return spec, nil
}

// Caption formats a snapshot caption as "[2006-01-02_15:04:05][profile] - message".
func Caption(at time.Time, profile, message string) string {
	return fmt.Sprintf("[%s][%s] - %s", at.Format("2006-01-02_15:04:05"), profile, message)
}

// apiResponse is the envelope of every Bot API answer.
type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		Username string `json:"username"`
	} `json:"result"`
}

// Telegram posts screenshots to a chat. It is safe for concurrent use.
type Telegram struct {
	spec   Spec
	client *http.Client
	logger *zap.Logger
	valid  atomic.Bool

	mu      sync.Mutex
	botName string

	backoffFactory func() backoff.BackOff
}

// NewTelegram builds a notifier for spec. It stays invalid until Verify
// succeeds.
func NewTelegram(spec Spec, cfg config.TelegramConfig, logger *zap.Logger) *Telegram {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Telegram{
		spec:   spec,
		client: network.NewClient(network.APIClientConfig(timeout, logger)),
		logger: logger.Named("telegram"),
		backoffFactory: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
	}
}

// Valid reports whether the bot is verified and has not been rejected since.
func (t *Telegram) Valid() bool { return t.valid.Load() }

// BotName returns "@username" after a successful Verify.
func (t *Telegram) BotName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.botName
}

func (t *Telegram) url(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", t.spec.Endpoint, t.spec.Token, method)
}

// Verify calls getMe and records the bot's username.
func (t *Telegram) Verify(ctx context.Context) error {
	var resp apiResponse
	err := t.call(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, t.url("getMe"), nil)
	}, &resp)
	if err != nil {
		t.valid.Store(false)
		t.logger.Warn("Telegram bot is not working.", zap.Error(err))
		return err
	}

	t.mu.Lock()
	t.botName = "@" + resp.Result.Username
	t.mu.Unlock()
	t.valid.Store(true)
	t.logger.Info("Telegram bot is working.", zap.String("bot", t.BotName()))
	return nil
}

// SendPhoto uploads png with caption. A rejection by the API disables the
// notifier.
func (t *Telegram) SendPhoto(ctx context.Context, png []byte, caption string) error {
	if !t.Valid() {
		return ErrDisabled
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("chat_id", t.spec.ChatID)
	_ = mw.WriteField("caption", caption)
	part, err := mw.CreateFormFile("photo", "screenshot.png")
	if err != nil {
		return fmt.Errorf("build photo form: %w", err)
	}
	if _, err := part.Write(png); err != nil {
		return fmt.Errorf("build photo form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("build photo form: %w", err)
	}
	payload := body.Bytes()

	var resp apiResponse
	err = t.call(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url("sendPhoto"), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	}, &resp)
	if err != nil {
		if errors.Is(err, ErrRejected) {
			t.valid.Store(false)
		}
		t.logger.Error("Could not send photo.", zap.Error(err))
		return err
	}
	t.logger.Debug("Photo sent.", zap.Int("bytes", len(png)))
	return nil
}

// call runs one Bot API request with retries on transport errors and server
// side failures.
func (t *Telegram) call(ctx context.Context, build func(context.Context) (*http.Request, error), out *apiResponse) error {
	operation := func() error {
		req, err := build(ctx)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		resp, err := t.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			t.logger.Warn("Telegram request failed, retrying.", zap.Error(redact(err, t.spec.Token)))
			return redact(err, t.spec.Token)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("telegram status %d", resp.StatusCode)
		}
		*out = apiResponse{}
		if err := json.Unmarshal(data, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err))
		}
		if !out.OK {
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrRejected, out.Description))
		}
		return nil
	}
	return backoff.Retry(operation, backoff.WithContext(t.backoffFactory(), ctx))
}

// redact keeps the bot token out of logged URLs.
func redact(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), token, "***"))
}
