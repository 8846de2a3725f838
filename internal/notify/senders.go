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
)

const sendTimeout = 10 * time.Second

// poster sends JSON bodies to chat APIs. Every sender in this file shares it.
type poster struct {
	name   string
	client *http.Client
}

func newPoster(name string) poster {
	return poster{name: name, client: &http.Client{Timeout: sendTimeout}}
}

// post marshals body to url and returns the response payload of a 2xx reply.
func (p poster) post(ctx context.Context, url string, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal: %w", p.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: post: %w", p.name, err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: unexpected status %d: %s", p.name, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return payload, nil
}

// TelegramSender posts to a chat through the Bot API sendMessage method.
type TelegramSender struct {
	poster
	token   string
	chatID  string
	baseURL string
}

// NewTelegramSender creates a sender for the bot token and chat.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		poster:  newPoster("telegram"),
		token:   token,
		chatID:  chatID,
		baseURL: "https://api.telegram.org",
	}
}

// Send renders the title in bold. Telegram can answer 200 with ok=false, so
// the envelope is checked as well as the status.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	payload, err := t.post(ctx, t.baseURL+"/bot"+t.token+"/sendMessage", map[string]any{
		"chat_id":                  t.chatID,
		"text":                     "*" + escapeMarkdown(title) + "*\n" + escapeMarkdown(message),
		"parse_mode":               "Markdown",
		"disable_web_page_preview": true,
	})
	if err != nil {
		return err
	}
	var reply struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if len(payload) > 0 && json.Unmarshal(payload, &reply) == nil && !reply.OK {
		return fmt.Errorf("telegram: rejected: %s", reply.Description)
	}
	return nil
}

func (t *TelegramSender) Name() string { return t.name }

// escapeMarkdown neutralises the legacy Markdown control characters that
// appear in addresses and detail values.
func escapeMarkdown(s string) string {
	return strings.NewReplacer("_", `\_`, "*", `\*`, "`", "\\`", "[", `\[`).Replace(s)
}

// DiscordSender posts an embed to a channel webhook.
type DiscordSender struct {
	poster
	webhookURL string
}

// NewDiscordSender creates a sender for a webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{poster: newPoster("discord"), webhookURL: webhookURL}
}

// Embed colours by severity.
const (
	colorInfo    = 0x5865F2
	colorWarning = 0xED4245
)

// Send wraps the message in a code block so the key=value lines keep their
// layout. Failures and cancellations are coloured as warnings.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	color := colorInfo
	lower := strings.ToLower(title)
	if strings.Contains(lower, "failed") || strings.Contains(lower, "cancelled") {
		color = colorWarning
	}
	_, err := d.post(ctx, d.webhookURL, map[string]any{
		"embeds": []map[string]any{{
			"title":       title,
			"description": "```\n" + message + "\n```",
			"color":       color,
		}},
	})
	return err
}

func (d *DiscordSender) Name() string { return d.name }
