package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/ticketdesk/internal/model"
)

// Client инкапсулирует HTTP-взаимодействие со шлюзом чат-платформы.
// Повторных попыток нет: ошибка сразу возвращается вызывающему.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт HTTP-клиент шлюза по указанному адресу.
func NewClient(baseURL string) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type createChannelResponse struct {
	ID string `json:"id"`
}

// CreateChannel создаёт канал и возвращает его идентификатор.
func (c *Client) CreateChannel(ctx context.Context, spec ChannelSpec) (string, error) {
	var resp createChannelResponse
	if err := c.do(ctx, http.MethodPost, "/api/channels", spec, &resp); err != nil {
		return "", fmt.Errorf("create channel: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create channel: empty channel id")
	}
	return resp.ID, nil
}

// DeleteChannel удаляет канал. Отсутствующий канал не считается ошибкой.
func (c *Client) DeleteChannel(ctx context.Context, channelID string) error {
	err := c.do(ctx, http.MethodDelete, "/api/channels/"+url.PathEscape(channelID), nil, nil)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete channel: %w", err)
	}
	return nil
}

// ChannelExists проверяет существование канала.
func (c *Client) ChannelExists(ctx context.Context, channelID string) (bool, error) {
	return c.exists(ctx, "/api/channels/"+url.PathEscape(channelID))
}

// CategoryExists проверяет существование категории каналов.
func (c *Client) CategoryExists(ctx context.Context, categoryID string) (bool, error) {
	return c.exists(ctx, "/api/categories/"+url.PathEscape(categoryID))
}

// FetchMessages возвращает не более limit последних сообщений канала от старых к новым.
func (c *Client) FetchMessages(ctx context.Context, channelID string, limit int) ([]model.Message, error) {
	path := fmt.Sprintf("/api/channels/%s/messages?limit=%s", url.PathEscape(channelID), strconv.Itoa(limit))

	var messages []model.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	return messages, nil
}

// SendMessage отправляет сообщение в канал.
func (c *Client) SendMessage(ctx context.Context, channelID string, msg OutgoingMessage) error {
	if err := c.do(ctx, http.MethodPost, "/api/channels/"+url.PathEscape(channelID)+"/messages", msg, nil); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// ClearMessages удаляет сообщения, отправленные сервисом в канал.
func (c *Client) ClearMessages(ctx context.Context, channelID string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/channels/"+url.PathEscape(channelID)+"/messages", nil, nil); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

func (c *Client) exists(ctx context.Context, path string) (bool, error) {
	err := c.do(ctx, http.MethodGet, path, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("chat client not configured")
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
