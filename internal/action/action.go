// Package action описывает закрытый перечень действий интерактивных компонентов.
//
// Идентификатор компонента имеет вид "<вид>" или "<вид>:<аргумент>".
package action

import (
	"fmt"
	"strings"
)

// Kind — вид действия.
type Kind uint8

const (
	Unknown Kind = iota
	CreateTicket
	CloseTicket
	ClaimTicket
	TicketTranscript
	SelectProduct
	ConfirmPurchase
	CancelPurchase
	PromptRemoved

	kindCount
)

var names = [kindCount]string{
	Unknown:          "unknown",
	CreateTicket:     "ticket_create",
	CloseTicket:      "ticket_close",
	ClaimTicket:      "ticket_claim",
	TicketTranscript: "ticket_transcript",
	SelectProduct:    "product",
	ConfirmPurchase:  "confirm_purchase",
	CancelPurchase:   "cancel_purchase",
	PromptRemoved:    "prompt_removed",
}

// Count возвращает число видов действий, включая Unknown.
func Count() int {
	return int(kindCount)
}

func (k Kind) String() string {
	if k >= kindCount {
		return names[Unknown]
	}
	return names[k]
}

// Valid сообщает, является ли вид известным действием.
func (k Kind) Valid() bool {
	return k > Unknown && k < kindCount
}

// ID строит идентификатор компонента.
func ID(k Kind, arg string) string {
	if arg == "" {
		return k.String()
	}
	return k.String() + ":" + arg
}

// Parse разбирает идентификатор компонента.
func Parse(id string) (Kind, string, error) {
	name, arg, _ := strings.Cut(id, ":")
	for k := Kind(1); k < kindCount; k++ {
		if names[k] == name {
			return k, arg, nil
		}
	}
	return Unknown, "", fmt.Errorf("unknown action %q", id)
}
