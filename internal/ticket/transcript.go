package ticket

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mmeshcher/ticketdesk/internal/model"
)

const (
	transcriptTimeLayout = "2006-01-02 15:04:05"
	transcriptSeparator  = "=================================================="
	emptyContent         = "[Embed/Attachment]"
)

// renderTranscript формирует текстовую выгрузку: заголовок, затем сообщения
// от старых к новым. Карточки и вложения выводятся с отступом.
func renderTranscript(channelID string, msgs []model.Message, at time.Time) *model.Transcript {
	var b strings.Builder

	b.WriteString("TICKET TRANSCRIPT\n")
	fmt.Fprintf(&b, "Channel: %s\n", channelID)
	fmt.Fprintf(&b, "Date: %s\n", at.UTC().Format(transcriptTimeLayout))
	fmt.Fprintf(&b, "Messages: %d\n", len(msgs))
	b.WriteString(transcriptSeparator)
	b.WriteString("\n\n")

	for _, m := range msgs {
		content := m.Content
		if content == "" {
			content = emptyContent
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp.UTC().Format(transcriptTimeLayout), m.Author, content)
		if m.EmbedTitle != "" {
			fmt.Fprintf(&b, "    Embed: %s\n", m.EmbedTitle)
		}
		for _, a := range m.Attachments {
			fmt.Fprintf(&b, "    Attachment: %s\n", a)
		}
	}

	return &model.Transcript{
		ChannelID:    channelID,
		Text:         b.String(),
		MessageCount: len(msgs),
		GeneratedAt:  at,
	}
}

// writeTranscript сохраняет выгрузку в каталог dir и возвращает путь к файлу.
func writeTranscript(dir string, t *model.Transcript) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create transcript dir: %w", err)
	}
	name := fmt.Sprintf("transcript-%s-%d.txt", t.ChannelID, t.GeneratedAt.UnixMilli())
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(t.Text), 0o640); err != nil {
		return "", fmt.Errorf("write transcript: %w", err)
	}
	return path, nil
}
