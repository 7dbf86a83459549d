package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"s6gate/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTelegramRequiresFullConfig(t *testing.T) {
	assert.Nil(t, NewTelegram(config.TelegramConfig{Token: "t", ChatID: "c"}))
	assert.Nil(t, NewTelegram(config.TelegramConfig{Enabled: true, ChatID: "c"}))
	assert.Nil(t, NewTelegram(config.TelegramConfig{Enabled: true, Token: "t"}))
	assert.NotNil(t, NewTelegram(config.TelegramConfig{Enabled: true, Token: "t", ChatID: "c"}))
}

func TestNilTelegramIsNoop(t *testing.T) {
	var tg *Telegram
	assert.NoError(t, tg.Send(t.Context(), "ignored"))
}

func TestSendPostsMessage(t *testing.T) {
	var got telegramPayload
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := NewTelegram(config.TelegramConfig{Enabled: true, Token: "123:abc", ChatID: "-100"})
	tg.BaseURL = srv.URL
	require.NoError(t, tg.Send(t.Context(), "[WARN] ai_worker: Bringup is down"))
	assert.Equal(t, "/bot123:abc/sendMessage", path)
	assert.Equal(t, telegramPayload{ChatID: "-100", Text: "[WARN] ai_worker: Bringup is down"}, got)
}

func TestSendReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	tg := NewTelegram(config.TelegramConfig{Enabled: true, Token: "t", ChatID: "c"})
	tg.BaseURL = srv.URL
	err := tg.Send(t.Context(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}
