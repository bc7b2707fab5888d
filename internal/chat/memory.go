package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/mmeshcher/ticketdesk/internal/model"
)

type memoryChannel struct {
	spec     ChannelSpec
	messages []model.Message
	last     *OutgoingMessage
}

// Memory — поставщик каналов в памяти процесса. Используется без внешнего
// шлюза и в тестах. Идентификаторы каналов выдаются генератором snowflake.
type Memory struct {
	mu         sync.Mutex
	node       *snowflake.Node
	author     string
	categories map[string]struct{}
	channels   map[string]*memoryChannel
	deleted    map[string]int

	// Ошибки для имитации сбоев внешней платформы.
	CreateErr error
	SendErr   error
	FetchErr  error
	LookupErr error
}

// NewMemory создаёт поставщика с указанными категориями. author подписывает
// сообщения, отправленные через SendMessage.
func NewMemory(author string, categories ...string) (*Memory, error) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, fmt.Errorf("create snowflake node: %w", err)
	}

	m := &Memory{
		node:       node,
		author:     author,
		categories: make(map[string]struct{}),
		channels:   make(map[string]*memoryChannel),
		deleted:    make(map[string]int),
	}
	for _, c := range categories {
		m.categories[c] = struct{}{}
	}
	return m, nil
}

// AddCategory регистрирует категорию каналов.
func (m *Memory) AddCategory(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.categories[id] = struct{}{}
}

func (m *Memory) CreateChannel(_ context.Context, spec ChannelSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateErr != nil {
		return "", m.CreateErr
	}
	if _, ok := m.categories[spec.ParentID]; !ok {
		return "", fmt.Errorf("create channel: %w", ErrNotFound)
	}

	id := m.node.Generate().String()
	m.channels[id] = &memoryChannel{spec: spec}
	return id, nil
}

func (m *Memory) DeleteChannel(_ context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.channels[channelID]; ok {
		delete(m.channels, channelID)
		m.deleted[channelID]++
	}
	return nil
}

func (m *Memory) ChannelExists(_ context.Context, channelID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.LookupErr != nil {
		return false, m.LookupErr
	}
	_, ok := m.channels[channelID]
	return ok, nil
}

func (m *Memory) CategoryExists(_ context.Context, categoryID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.LookupErr != nil {
		return false, m.LookupErr
	}
	_, ok := m.categories[categoryID]
	return ok, nil
}

func (m *Memory) FetchMessages(_ context.Context, channelID string, limit int) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FetchErr != nil {
		return nil, m.FetchErr
	}
	ch, ok := m.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("fetch messages: %w", ErrNotFound)
	}

	msgs := ch.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]model.Message(nil), msgs...), nil
}

func (m *Memory) SendMessage(_ context.Context, channelID string, msg OutgoingMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SendErr != nil {
		return m.SendErr
	}
	ch, ok := m.channels[channelID]
	if !ok {
		return fmt.Errorf("send message: %w", ErrNotFound)
	}

	stored := model.Message{
		Timestamp: time.Now(),
		Author:    m.author,
		Content:   msg.Content,
	}
	if msg.Embed != nil {
		stored.EmbedTitle = msg.Embed.Title
	}
	ch.messages = append(ch.messages, stored)
	ch.last = &msg
	return nil
}

// ClearMessages удаляет сообщения, подписанные author.
func (m *Memory) ClearMessages(_ context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SendErr != nil {
		return m.SendErr
	}
	ch, ok := m.channels[channelID]
	if !ok {
		return fmt.Errorf("clear messages: %w", ErrNotFound)
	}
	kept := ch.messages[:0]
	for _, msg := range ch.messages {
		if msg.Author != m.author {
			kept = append(kept, msg)
		}
	}
	ch.messages = kept
	ch.last = nil
	return nil
}

// AddChannel регистрирует канал, созданный на платформе вручную, например канал товаров.
func (m *Memory) AddChannel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[id]; !ok {
		m.channels[id] = &memoryChannel{spec: ChannelSpec{Name: id}}
	}
}

// Post добавляет в канал сообщение от имени пользователя.
func (m *Memory) Post(channelID string, msg model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[channelID]
	if !ok {
		return ErrNotFound
	}
	ch.messages = append(ch.messages, msg)
	return nil
}

// LastSent возвращает последнее сообщение сервиса в канале, если оно не удалено.
func (m *Memory) LastSent(channelID string) (OutgoingMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[channelID]
	if !ok || ch.last == nil {
		return OutgoingMessage{}, false
	}
	return *ch.last, true
}

// Channel возвращает параметры канала.
func (m *Memory) Channel(channelID string) (ChannelSpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[channelID]
	if !ok {
		return ChannelSpec{}, false
	}
	return ch.spec, true
}

// Deletions возвращает число удалений канала.
func (m *Memory) Deletions(channelID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleted[channelID]
}

// Forget удаляет канал без учёта в Deletions, как если бы его удалили вручную на платформе.
func (m *Memory) Forget(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, channelID)
}

// ChannelCount возвращает число существующих каналов.
func (m *Memory) ChannelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}
