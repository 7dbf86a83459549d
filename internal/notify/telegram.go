// Package notify delivers operator alerts about service transitions.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"s6gate/internal/config"
)

const defaultTelegramURL = "https://api.telegram.org"

// Telegram posts alerts to a chat through the Bot API. A nil *Telegram
// drops every message.
type Telegram struct {
	// BaseURL is the Bot API root, without a trailing slash.
	BaseURL string

	token  string
	chatID string
	client *http.Client
}

type telegramPayload struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type telegramReply struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// NewTelegram returns nil unless the notifier is enabled and fully
// configured.
func NewTelegram(cfg config.TelegramConfig) *Telegram {
	if !cfg.Enabled || cfg.Token == "" || cfg.ChatID == "" {
		return nil
	}
	return &Telegram{
		BaseURL: defaultTelegramURL,
		token:   cfg.Token,
		chatID:  cfg.ChatID,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (t *Telegram) Send(ctx context.Context, text string) error {
	if t == nil {
		return nil
	}
	buf, err := json.Marshal(telegramPayload{ChatID: t.chatID, Text: text})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimSuffix(t.BaseURL, "/"), t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var reply telegramReply
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(body, &reply) == nil && reply.Description != "" {
		return fmt.Errorf("telegram status %s: %s", resp.Status, reply.Description)
	}
	return fmt.Errorf("telegram status %s", resp.Status)
}
