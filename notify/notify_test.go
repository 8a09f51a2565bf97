package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/autotrader/killswitch"
)

func TestTelegramSend(t *testing.T) {
	var gotPath, gotChat, gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.NoError(t, r.ParseForm())
		gotChat = r.PostForm.Get("chat_id")
		gotText = r.PostForm.Get("text")
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	tg := NewTelegram("123:abc", "42", WithBaseURL(srv.URL+"/"))
	require.NoError(t, tg.Send(context.Background(), "hello"))

	assert.Equal(t, "/bot123:abc/sendMessage", gotPath)
	assert.Equal(t, "42", gotChat)
	assert.Equal(t, "hello", gotText)
}

func TestTelegramErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"http error", http.StatusUnauthorized, `{"ok":false,"description":"Unauthorized"}`, "Unauthorized"},
		{"api not ok", http.StatusOK, `{"ok":false,"description":"chat not found"}`, "chat not found"},
		{"garbage", http.StatusBadGateway, `<html>`, "502"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			err := NewTelegram("t", "c", WithBaseURL(srv.URL)).Send(context.Background(), "x")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestTelegramTransportErrorHidesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	err := NewTelegram("secret-token", "c", WithBaseURL(srv.URL)).Send(context.Background(), "x")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret-token")
}

type recorder struct{ msgs []string }

func (r *recorder) Send(_ context.Context, msg string) error {
	r.msgs = append(r.msgs, msg)
	return nil
}

func TestKillSwitchAlert(t *testing.T) {
	rec := &recorder{}
	ks := killswitch.New(
		killswitch.WithClock(func() time.Time { return time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC) }),
		killswitch.WithOnActivate(KillSwitchAlert(context.Background(), rec, "autotrader")),
	)

	require.True(t, ks.Trigger("account_drawdown", map[string]any{"equity": 9000.0, "drawdown_pct": 0.1}))
	require.Len(t, rec.msgs, 1)
	msg := rec.msgs[0]
	assert.Contains(t, msg, "[autotrader] KILL SWITCH ACTIVE")
	assert.Contains(t, msg, "reason: account_drawdown")
	assert.Contains(t, msg, "at: 2024-02-03 04:05:06Z")
	assert.Regexp(t, `drawdown_pct: 0.1\nequity: 9000`, msg)
}

func TestLogNotifier(t *testing.T) {
	assert.NoError(t, Log{}.Send(context.Background(), "hi"))
}
