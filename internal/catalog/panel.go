package catalog

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/mmeshcher/ticketdesk/internal/action"
	"github.com/mmeshcher/ticketdesk/internal/apperr"
	"github.com/mmeshcher/ticketdesk/internal/chat"
	"github.com/mmeshcher/ticketdesk/internal/model"
	"github.com/mmeshcher/ticketdesk/internal/settings"
)

const panelColor = 0x00AE86

// Board — канал платформы, в котором публикуется витрина.
type Board interface {
	ChannelExists(ctx context.Context, channelID string) (bool, error)
	ClearMessages(ctx context.Context, channelID string) error
	SendMessage(ctx context.Context, channelID string, msg chat.OutgoingMessage) error
}

// ChannelSource сообщает, в какой канал публиковать витрину.
type ChannelSource interface {
	Load(ctx context.Context) (settings.Runtime, error)
}

// Lister перечисляет товары каталога.
type Lister interface {
	ListProducts(ctx context.Context, activeOnly bool) ([]model.Product, error)
}

// Panel публикует витрину активных товаров с кнопкой выбора для каждого товара.
// Нажатие кнопки приходит как действие SelectProduct.
type Panel struct {
	repo   Lister
	board  Board
	source ChannelSource
	log    *zap.Logger

	mu sync.Mutex
}

// NewPanel создаёт витрину.
func NewPanel(repo Lister, board Board, source ChannelSource, log *zap.Logger) *Panel {
	if log == nil {
		log = zap.NewNop()
	}
	return &Panel{repo: repo, board: board, source: source, log: log}
}

// Publish заменяет прежние сообщения сервиса в канале товаров новой витриной
// и возвращает число показанных товаров.
func (p *Panel) Publish(ctx context.Context) (int, error) {
	rt, err := p.source.Load(ctx)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindResource, "", fmt.Errorf("load settings: %w", err))
	}
	channelID := rt.ProductsChannelID
	if channelID == "" {
		return 0, apperr.New(apperr.KindInvalidState, "", "products channel is not configured")
	}

	ok, err := p.board.ChannelExists(ctx, channelID)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindResource, channelID, fmt.Errorf("lookup products channel: %w", err))
	}
	if !ok {
		return 0, apperr.New(apperr.KindNotFound, channelID, "products channel does not exist")
	}

	products, err := p.repo.ListProducts(ctx, true)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindResource, "", fmt.Errorf("list products: %w", err))
	}
	if len(products) > MaxActiveProducts {
		products = products[:MaxActiveProducts]
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.board.ClearMessages(ctx, channelID); err != nil {
		return 0, apperr.Wrap(apperr.KindResource, channelID, fmt.Errorf("clear products channel: %w", err))
	}
	if err := p.board.SendMessage(ctx, channelID, panelMessage(products)); err != nil {
		return 0, apperr.Wrap(apperr.KindResource, channelID, fmt.Errorf("send products panel: %w", err))
	}

	p.log.Info("products panel published", zap.String("channel_id", channelID), zap.Int("products", len(products)))
	return len(products), nil
}

// Refresh обновляет витрину после изменения каталога. Если канал товаров
// не настроен, ничего не делает; ошибки только журналируются.
func (p *Panel) Refresh(ctx context.Context) {
	_, err := p.Publish(ctx)
	if apperr.IsKind(err, apperr.KindInvalidState) {
		p.log.Debug("products panel skipped: channel not configured")
		return
	}
	if err != nil {
		p.log.Warn("failed to refresh products panel", zap.Error(err))
	}
}

func panelMessage(products []model.Product) chat.OutgoingMessage {
	embed := &chat.Embed{
		Title: "Digital products store",
		Description: "Pick a product below to open a purchase ticket.\n" +
			"Each user may have only one open ticket at a time.\n" +
			"Digital content is delivered once the payment is confirmed.",
		Color:  panelColor,
		Footer: "Secure sales | use the buttons below",
	}
	if len(products) == 0 {
		embed.Fields = []chat.EmbedField{{Name: "No products available", Value: "New products are coming soon."}}
		return chat.OutgoingMessage{Embed: embed}
	}

	buttons := make([]chat.Button, 0, len(products))
	for i, p := range products {
		n := strconv.Itoa(i + 1)
		stock := "∞"
		if p.StockQuantity != model.UnlimitedStock {
			stock = strconv.Itoa(p.StockQuantity)
		}
		desc := p.Description
		if desc == "" {
			desc = "No description"
		}
		embed.Fields = append(embed.Fields, chat.EmbedField{
			Name:   n + ". " + p.Name,
			Value:  fmt.Sprintf("Price: %s | Stock: %s\n%s", p.Price.StringFixed(2), stock, desc),
			Inline: true,
		})

		style := chat.StyleSuccess
		if !p.InStock() {
			style = chat.StyleSecondary
		}
		buttons = append(buttons, chat.Button{
			ID:       action.ID(action.SelectProduct, strconv.FormatInt(p.ID, 10)),
			Label:    n + ". " + p.Price.StringFixed(2),
			Style:    style,
			Disabled: !p.InStock(),
		})
	}
	return chat.OutgoingMessage{Embed: embed, Buttons: buttons}
}
