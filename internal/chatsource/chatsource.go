// Package chatsource defines the chat-platform abstraction and a Telegram
// adapter: a Source subscribes to a set of source channels and yields every
// message posted to them for the ingestion pipeline to classify.
package chatsource

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// Message is one chat message observed on a subscribed channel.
type Message struct {
	ChannelID int64
	MessageID string
	Text      string
	PostedAt  time.Time
}

// Source is the Chat Source contract: subscribe to channels and get a stream
// of messages, send confirmation/alert text back to a channel.
type Source interface {
	Subscribe(ctx context.Context, channels []int64) (<-chan Message, error)
	Send(ctx context.Context, channelID int64, text string) error
}

// Telegram implements Source over the Bot API's long-poll update feed.
type Telegram struct {
	api *tgbotapi.BotAPI
}

func NewTelegram(token string) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("chatsource: telegram init: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("telegram chat source initialized")
	return &Telegram{api: api}, nil
}

// Subscribe starts the update long-poll and filters to the given channel ids.
// The returned channel is closed when ctx is cancelled.
func (t *Telegram) Subscribe(ctx context.Context, channels []int64) (<-chan Message, error) {
	allowed := make(map[int64]bool, len(channels))
	for _, c := range channels {
		allowed[c] = true
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.api.GetUpdatesChan(u)

	out := make(chan Message, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message == nil || update.Message.Text == "" {
					continue
				}
				chatID := update.Message.Chat.ID
				if len(allowed) > 0 && !allowed[chatID] {
					continue
				}
				msg := Message{
					ChannelID: chatID,
					MessageID: fmt.Sprintf("%d", update.Message.MessageID),
					Text:      update.Message.Text,
					PostedAt:  update.Message.Time(),
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Send posts text to a channel; the publisher uses it for signal
// confirmation messages.
func (t *Telegram) Send(ctx context.Context, channelID int64, text string) error {
	msg := tgbotapi.NewMessage(channelID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	_, err := t.api.Send(msg)
	return err
}
