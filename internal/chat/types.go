// Package chat реализует поставщика каналов чат-платформы: HTTP-клиент шлюза
// и провайдер в памяти процесса.
package chat

import "errors"

// ErrNotFound возвращается, когда канал или категория не существуют.
var ErrNotFound = errors.New("chat resource not found")

// Overwrite задаёт доступ субъекта к каналу.
type Overwrite struct {
	SubjectID string `json:"subject_id"`
	Allow     bool   `json:"allow"`
}

// EveryoneSubject — псевдосубъект «все участники сервера».
const EveryoneSubject = "@everyone"

// ChannelSpec описывает создаваемый канал.
type ChannelSpec struct {
	Name       string      `json:"name"`
	ParentID   string      `json:"parent_id"`
	Topic      string      `json:"topic,omitempty"`
	Overwrites []Overwrite `json:"overwrites"`
}

// EmbedField описывает поле карточки сообщения.
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Embed описывает карточку сообщения.
type Embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Footer      string       `json:"footer,omitempty"`
}

// Button — интерактивная кнопка. ID передаётся обратно во входящем событии.
type Button struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Style    string `json:"style"`
	Disabled bool   `json:"disabled,omitempty"`
}

// Стили кнопок.
const (
	StylePrimary   = "primary"
	StyleSecondary = "secondary"
	StyleSuccess   = "success"
	StyleDanger    = "danger"
)

// OutgoingMessage описывает сообщение, отправляемое в канал.
type OutgoingMessage struct {
	Content string   `json:"content,omitempty"`
	Embed   *Embed   `json:"embed,omitempty"`
	Buttons []Button `json:"buttons,omitempty"`
}
