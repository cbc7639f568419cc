package llmclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/genai"

	"github.com/xkilldash9x/chromefleet/internal/config"
)

type mockModels struct {
	mock.Mock
}

func (m *mockModels) GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	args := m.Called(ctx, model, contents, cfg)
	resp, _ := args.Get(0).(*genai.GenerateContentResponse)
	return resp, args.Error(1)
}

func (m *mockModels) List(ctx context.Context, cfg *genai.ListModelsConfig) (genai.Page[genai.Model], error) {
	args := m.Called(ctx, cfg)
	return genai.Page[genai.Model]{}, args.Error(1)
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: genai.NewContentFromText(text, genai.RoleModel),
		}},
	}
}

func newTestClient(t *testing.T, m *mockModels) (*GeminiClient, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.InfoLevel)
	c := newGeminiClient(m, config.GeminiConfig{Model: "test-model", Timeout: 5 * time.Second}, zap.New(core))
	c.backoffFactory = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Millisecond
		b.MaxElapsedTime = time.Second
		return b
	}
	return c, logs
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestNewGeminiClient_RequiresKey(t *testing.T) {
	_, err := NewGeminiClient(context.Background(), config.GeminiConfig{}, zap.NewNop())
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestNewGeminiClient_Defaults(t *testing.T) {
	c := newGeminiClient(new(mockModels), config.GeminiConfig{}, nil)
	assert.Equal(t, "gemini-2.0-flash", c.model)
	assert.Equal(t, DefaultMaxSide, c.maxSide)
	assert.Equal(t, time.Minute, c.timeout)
	assert.False(t, c.Valid())
}

func TestVerify(t *testing.T) {
	m := new(mockModels)
	c, logs := newTestClient(t, m)

	m.On("List", mock.Anything, mock.Anything).Return(nil, genai.APIError{Code: 400, Message: "API key not valid. Please pass a valid API key."}).Once()
	err := c.Verify(context.Background())
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.False(t, c.Valid())

	m.On("List", mock.Anything, mock.Anything).Return(nil, nil).Once()
	require.NoError(t, c.Verify(context.Background()))
	assert.True(t, c.Valid())
	assert.Equal(t, 1, logs.FilterMessage("AI helper is working.").Len())
	m.AssertExpectations(t)
}

func TestAsk_NotVerified(t *testing.T) {
	c, _ := newTestClient(t, new(mockModels))
	_, err := c.Ask(context.Background(), "hello", nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestAsk_TextOnly(t *testing.T) {
	m := new(mockModels)
	c, _ := newTestClient(t, m)
	c.valid.Store(true)

	m.On("GenerateContent", mock.Anything, "test-model", mock.MatchedBy(func(contents []*genai.Content) bool {
		return len(contents) == 1 && len(contents[0].Parts) == 1 && contents[0].Parts[0].Text == "what is 2+2?"
	}), mock.Anything).Return(textResponse(" 4 \n"), nil).Once()

	answer, err := c.Ask(context.Background(), "what is 2+2?", nil)
	require.NoError(t, err)
	assert.Equal(t, "4", answer)
	m.AssertExpectations(t)
}

func TestAsk_WithImage(t *testing.T) {
	m := new(mockModels)
	c, _ := newTestClient(t, m)
	c.valid.Store(true)

	var sent *genai.Part
	m.On("GenerateContent", mock.Anything, "test-model", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			contents := args.Get(2).([]*genai.Content)
			sent = contents[0].Parts[0]
		}).
		Return(textResponse("a red line"), nil).Once()

	answer, err := c.Ask(context.Background(), "describe", testPNG(t, 1000, 500))
	require.NoError(t, err)
	assert.Equal(t, "a red line", answer)

	require.NotNil(t, sent)
	require.NotNil(t, sent.InlineData)
	assert.Equal(t, "image/png", sent.InlineData.MIMEType)
	cfg, _, err := image.DecodeConfig(bytes.NewReader(sent.InlineData.Data))
	require.NoError(t, err)
	assert.Equal(t, 384, cfg.Width)
	assert.Equal(t, 192, cfg.Height)
}

func TestAsk_RetriesServerErrors(t *testing.T) {
	m := new(mockModels)
	c, _ := newTestClient(t, m)
	c.valid.Store(true)

	m.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, genai.APIError{Code: 503, Message: "overloaded"}).Twice()
	m.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(textResponse("ok"), nil).Once()

	answer, err := c.Ask(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", answer)
	m.AssertNumberOfCalls(t, "GenerateContent", 3)
}

func TestAsk_Blocked(t *testing.T) {
	m := new(mockModels)
	c, _ := newTestClient(t, m)
	c.valid.Store(true)

	m.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&genai.GenerateContentResponse{
			PromptFeedback: &genai.GenerateContentResponsePromptFeedback{BlockReason: genai.BlockedReasonSafety},
		}, nil).Once()

	_, err := c.Ask(context.Background(), "bad", nil)
	assert.ErrorIs(t, err, ErrBlocked)
	m.AssertNumberOfCalls(t, "GenerateContent", 1)
}

func TestAsk_BadImage(t *testing.T) {
	c, _ := newTestClient(t, new(mockModels))
	c.valid.Store(true)
	_, err := c.Ask(context.Background(), "describe", []byte("not an image"))
	assert.ErrorContains(t, err, "prepare image")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"invalid argument", genai.APIError{Code: 400, Status: "INVALID_ARGUMENT"}, ErrInvalidKey},
		{"blocked", errors.New("response was blocked"), ErrBlocked},
		{"permission by message", errors.New("Permission denied on resource"), ErrPermission},
		{"permission by code", genai.APIError{Code: 403}, ErrPermission},
		{"quota", errors.New("Resource has been exhausted (e.g. check quota)."), ErrQuota},
		{"rate limit", genai.APIError{Code: 429}, ErrQuota},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ErrTimeout},
		{"timeout text", errors.New("i/o timeout"), ErrTimeout},
		{"unknown", errors.New("boom"), ErrRequest},
		{"already classified", fmt.Errorf("%w: x", ErrBlocked), ErrBlocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tt.err), tt.want)
		})
	}
	assert.NoError(t, classify(nil))
	assert.ErrorIs(t, classify(context.Canceled), context.Canceled)
}

func TestResize(t *testing.T) {
	tests := []struct {
		w, h         int
		wantW, wantH int
	}{
		{1000, 500, 384, 192},
		{500, 1000, 192, 384},
		{100, 100, 384, 384},
		{1920, 1080, 384, 216},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%dx%d", tt.w, tt.h), func(t *testing.T) {
			out, err := Resize(testPNG(t, tt.w, tt.h), 384)
			require.NoError(t, err)
			cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
			require.NoError(t, err)
			assert.Equal(t, "png", format)
			assert.Equal(t, tt.wantW, cfg.Width)
			assert.Equal(t, tt.wantH, cfg.Height)
		})
	}

	_, err := Resize([]byte("junk"), 384)
	assert.Error(t, err)
}
