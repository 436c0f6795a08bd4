// Package bot is the operator Telegram control surface: /status, /pause,
// /resume, and the REJECTED/FAILED notification channel — every terminal
// non-happy state produces exactly one operator-visible message.
package bot

import (
	"context"
	"fmt"
	"sync/atomic"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/ashgrove/signalbridge/internal/lifecyclestore"
	"github.com/ashgrove/signalbridge/internal/signalstore"
)

// Bot is the operator's control channel onto the pipeline. One chat only —
// there is no multi-tenant user model here.
type Bot struct {
	api          *tgbotapi.BotAPI
	operatorChat int64
	signals      *signalstore.Store
	positions    *lifecyclestore.Store
	paused       atomic.Bool
}

func New(token string, operatorChat int64, signals *signalstore.Store, positions *lifecyclestore.Store) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("bot: connect: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("operator bot connected")
	return &Bot{api: api, operatorChat: operatorChat, signals: signals, positions: positions}, nil
}

// Paused reports whether the operator has paused new-signal intake. The
// entry engine's Capacity predicate consults this alongside the watchdog's
// own count check.
func (b *Bot) Paused() bool { return b.paused.Load() }

// Start runs the command listener until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	b.send("signalbridge online. /status, /pause, /resume, /help.")

	for {
		select {
		case <-ctx.Done():
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.Chat.ID != b.operatorChat {
				continue // single-operator surface; ignore everyone else
			}
			b.dispatch(update.Message.Command(), update.Message.CommandArguments())
		}
	}
}

func (b *Bot) dispatch(cmd, args string) {
	switch cmd {
	case "status":
		b.cmdStatus()
	case "pause":
		b.paused.Store(true)
		b.send("New-signal intake paused. Existing positions continue to be managed.")
	case "resume":
		b.paused.Store(false)
		b.send("New-signal intake resumed.")
	case "help":
		b.send("/status — active position count and intake state\n/pause — stop claiming new signals\n/resume — resume claiming new signals")
	default:
		b.send(fmt.Sprintf("unknown command: %s", cmd))
	}
}

func (b *Bot) cmdStatus() {
	active, err := b.positions.ActiveCount()
	if err != nil {
		b.send(fmt.Sprintf("status unavailable: %v", err))
		return
	}
	pending, err := b.signals.CountNew()
	if err != nil {
		b.send(fmt.Sprintf("status unavailable: %v", err))
		return
	}
	intake := "ACTIVE"
	if b.paused.Load() {
		intake = "PAUSED"
	}
	b.send(fmt.Sprintf("active positions: %d\npending signals: %d\nintake: %s", active, pending, intake))
}

// NotifyRejected implements entryengine.Notifier.
func (b *Bot) NotifyRejected(signalID uint64, reason string) {
	b.send(fmt.Sprintf("signal %d REJECTED: %s", signalID, reason))
}

// NotifyFailed implements lifecycle.Notifier.
func (b *Bot) NotifyFailed(positionID uint64, reason string) {
	b.send(fmt.Sprintf("position %d FAILED: %s", positionID, reason))
}

func (b *Bot) send(text string) {
	if b.operatorChat == 0 {
		return
	}
	msg := tgbotapi.NewMessage(b.operatorChat, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("bot: send failed")
	}
}
