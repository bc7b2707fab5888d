package ticket

import (
	"fmt"
	"time"

	"github.com/mmeshcher/ticketdesk/internal/action"
	"github.com/mmeshcher/ticketdesk/internal/chat"
	"github.com/mmeshcher/ticketdesk/internal/model"
)

const (
	colorWelcome = 0x00AE86
	colorClosed  = 0xFF0000
	colorIdle    = 0xFFA500
	colorClaimed = 0x0099FF
)

func mention(userID string) string {
	return "<@" + userID + ">"
}

func welcomeMessage(actor model.Actor, productID *int64, idle time.Duration) chat.OutgoingMessage {
	fields := []chat.EmbedField{
		{Name: "Owner", Value: mention(actor.ID), Inline: true},
		{Name: "Auto close", Value: idle.String(), Inline: true},
	}
	if productID != nil {
		fields = append(fields, chat.EmbedField{Name: "Product", Value: fmt.Sprintf("#%d", *productID), Inline: true})
	}

	return chat.OutgoingMessage{
		Content: mention(actor.ID),
		Embed: &chat.Embed{
			Title:       "Ticket opened",
			Description: fmt.Sprintf("Hello %s! Describe your request and a staff member will answer shortly.", actor.Username),
			Color:       colorWelcome,
			Fields:      fields,
			Footer:      "Use the buttons below to manage this ticket",
		},
		Buttons: []chat.Button{
			{ID: action.ID(action.CloseTicket, ""), Label: "Close", Style: chat.StyleDanger},
			{ID: action.ID(action.ClaimTicket, ""), Label: "Claim", Style: chat.StylePrimary},
			{ID: action.ID(action.TicketTranscript, ""), Label: "Transcript", Style: chat.StyleSecondary},
		},
	}
}

func closeNotice(closedBy, reason string, grace time.Duration) *chat.OutgoingMessage {
	return &chat.OutgoingMessage{
		Embed: &chat.Embed{
			Title:       "Ticket closed",
			Description: fmt.Sprintf("This ticket was closed by %s.\nThe channel will be deleted in %s.", mention(closedBy), grace),
			Color:       colorClosed,
			Fields:      []chat.EmbedField{{Name: "Reason", Value: reason}},
		},
	}
}

func idleNotice(idle, grace time.Duration) *chat.OutgoingMessage {
	return &chat.OutgoingMessage{
		Embed: &chat.Embed{
			Title:       "Ticket closed for inactivity",
			Description: fmt.Sprintf("No activity for %s. The channel will be deleted in %s.", idle, grace),
			Color:       colorIdle,
		},
	}
}

func claimNotice(staff model.Actor) chat.OutgoingMessage {
	return chat.OutgoingMessage{
		Embed: &chat.Embed{
			Title:       "Ticket claimed",
			Description: fmt.Sprintf("%s is now handling this ticket.", mention(staff.ID)),
			Color:       colorClaimed,
		},
	}
}
