package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/chromefleet/internal/config"
)

func TestParseSpec(t *testing.T) {
	tests := []struct {
		in      string
		want    Spec
		wantErr bool
	}{
		{in: "123|abc", want: Spec{ChatID: "123", Token: "abc", Endpoint: DefaultEndpoint}},
		{in: " 123 | abc | https://tg.example/ ", want: Spec{ChatID: "123", Token: "abc", Endpoint: "https://tg.example"}},
		{in: "123|abc|not-a-url", want: Spec{ChatID: "123", Token: "abc", Endpoint: DefaultEndpoint}},
		{in: "123", wantErr: true},
		{in: "|abc", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSpec(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSpec)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCaption(t *testing.T) {
	at := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	assert.Equal(t, "[2025-03-04_05:06:07][p1] - done", Caption(at, "p1", "done"))
}

// fakeBot is a Bot API stand-in.
type fakeBot struct {
	*httptest.Server
	getMe      atomic.Int32
	sendPhoto  atomic.Int32
	failFirst  atomic.Int32
	rejectSend atomic.Bool
	lastChat   atomic.Value
	lastCap    atomic.Value
	lastPhoto  atomic.Value
}

func newFakeBot(t *testing.T) *fakeBot {
	t.Helper()
	b := &fakeBot{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.failFirst.Load() > 0 {
			b.failFirst.Add(-1)
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		switch r.URL.Path {
		case "/botgood/getMe":
			b.getMe.Add(1)
			fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"username":"fleet_bot"}}`)
		case "/botgood/sendPhoto":
			b.sendPhoto.Add(1)
			if b.rejectSend.Load() {
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
				return
			}
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			b.lastChat.Store(r.FormValue("chat_id"))
			b.lastCap.Store(r.FormValue("caption"))
			f, _, err := r.FormFile("photo")
			if err == nil {
				data, _ := io.ReadAll(f)
				b.lastPhoto.Store(string(data))
			}
			fmt.Fprint(w, `{"ok":true,"result":{}}`)
		default:
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
		}
	}))
	t.Cleanup(b.Close)
	return b
}

func newTestTelegram(t *testing.T, bot *fakeBot, token string) *Telegram {
	t.Helper()
	tg := NewTelegram(Spec{ChatID: "42", Token: token, Endpoint: bot.URL}, config.TelegramConfig{Timeout: 2 * time.Second}, zaptest.NewLogger(t))
	tg.backoffFactory = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Millisecond
		b.MaxElapsedTime = time.Second
		return b
	}
	return tg
}

func TestTelegram_Verify(t *testing.T) {
	bot := newFakeBot(t)

	tg := newTestTelegram(t, bot, "good")
	assert.False(t, tg.Valid())
	require.NoError(t, tg.Verify(context.Background()))
	assert.True(t, tg.Valid())
	assert.Equal(t, "@fleet_bot", tg.BotName())

	bad := newTestTelegram(t, bot, "bad")
	err := bad.Verify(context.Background())
	assert.ErrorIs(t, err, ErrRejected)
	assert.False(t, bad.Valid())
}

func TestTelegram_VerifyRetriesServerErrors(t *testing.T) {
	bot := newFakeBot(t)
	bot.failFirst.Store(2)

	tg := newTestTelegram(t, bot, "good")
	require.NoError(t, tg.Verify(context.Background()))
	assert.Equal(t, int32(1), bot.getMe.Load())
}

func TestTelegram_SendPhoto(t *testing.T) {
	bot := newFakeBot(t)
	tg := newTestTelegram(t, bot, "good")

	assert.ErrorIs(t, tg.SendPhoto(context.Background(), []byte("png"), "x"), ErrDisabled, "unverified bot must not send")

	require.NoError(t, tg.Verify(context.Background()))
	require.NoError(t, tg.SendPhoto(context.Background(), []byte("\x89PNG-data"), "[t][p1] - hello"))

	assert.Equal(t, "42", bot.lastChat.Load())
	assert.Equal(t, "[t][p1] - hello", bot.lastCap.Load())
	assert.Equal(t, "\x89PNG-data", bot.lastPhoto.Load())
}

func TestTelegram_SendPhotoRejectedDisables(t *testing.T) {
	bot := newFakeBot(t)
	tg := newTestTelegram(t, bot, "good")
	require.NoError(t, tg.Verify(context.Background()))

	bot.rejectSend.Store(true)
	err := tg.SendPhoto(context.Background(), []byte("png"), "x")
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorContains(t, err, "chat not found")
	assert.False(t, tg.Valid())
	assert.Equal(t, int32(1), bot.sendPhoto.Load(), "rejections are not retried")
}

func TestTelegram_CancelledContext(t *testing.T) {
	bot := newFakeBot(t)
	tg := newTestTelegram(t, bot, "good")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tg.Verify(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedact(t *testing.T) {
	err := redact(fmt.Errorf("Get https://api/botSECRET/getMe: dial tcp"), "SECRET")
	assert.NotContains(t, err.Error(), "SECRET")
	assert.Contains(t, err.Error(), "bot***")
}
