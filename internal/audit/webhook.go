package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmeshcher/ticketdesk/internal/model"
)

var eventColors = map[model.EventType]int{
	model.EventIntegrityViolation: 0xFF0000,
	model.EventBlacklistedAttempt: 0xFF4500,
	model.EventRateLimitExceeded:  0xFFA500,
	model.EventNewAccount:         0xFFFF00,
	model.EventDefaultAvatar:      0x808080,
	model.EventUserBlacklisted:    0x800080,
	model.EventBotInteraction:     0xFF69B4,
}

const defaultEventColor = 0x0099FF

// EventColor возвращает цвет карточки события для вебхука.
func EventColor(t model.EventType) int {
	if c, ok := eventColors[t]; ok {
		return c
	}
	return defaultEventColor
}

type webhookEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

type webhookPayload struct {
	Embeds []webhookEmbed `json:"embeds"`
}

// WebhookClient доставляет события безопасности во внешний вебхук.
type WebhookClient struct {
	url        string
	httpClient *http.Client
}

// NewWebhookClient создаёт клиент вебхука. Пустой адрес отключает доставку.
func NewWebhookClient(url string) *WebhookClient {
	return &WebhookClient{
		url: strings.TrimSpace(url),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Send отправляет одно событие. Повторных попыток нет.
func (c *WebhookClient) Send(ctx context.Context, event model.SecurityEvent) error {
	if c == nil || c.url == "" {
		return fmt.Errorf("webhook client not configured")
	}

	data, err := json.MarshalIndent(event.Data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	body, err := json.Marshal(webhookPayload{Embeds: []webhookEmbed{{
		Title:       "Security event: " + string(event.Type),
		Description: "```json\n" + string(data) + "```",
		Color:       EventColor(event.Type),
		Timestamp:   event.CreatedAt.UTC().Format(time.RFC3339),
	}}})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}
