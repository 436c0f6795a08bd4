// Package ingestion is the pipeline between a chatsource.Source and the
// signal store: hash-dedup, run the Detector, normalize the parsed
// fragments, and persist a NEW signal row — or an EXTRACT_ONLY dry run that
// classifies without writing.
package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ashgrove/signalbridge/internal/chatsource"
	"github.com/ashgrove/signalbridge/internal/detector"
	"github.com/ashgrove/signalbridge/internal/model"
	"github.com/ashgrove/signalbridge/internal/signalstore"
	"github.com/ashgrove/signalbridge/internal/telemetry"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// Pipeline wires a chat source's message stream into the signal store.
type Pipeline struct {
	store       *signalstore.Store
	sink        *telemetry.Sink
	dedupTTL    time.Duration
	extractOnly bool
}

func New(store *signalstore.Store, sink *telemetry.Sink, dedupTTL time.Duration, extractOnly bool) *Pipeline {
	return &Pipeline{store: store, sink: sink, dedupTTL: dedupTTL, extractOnly: extractOnly}
}

// Run consumes msgs until ctx is cancelled or the channel closes.
func (p *Pipeline) Run(ctx context.Context, msgs <-chan chatsource.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			p.handle(msg)
		}
	}
}

func (p *Pipeline) handle(msg chatsource.Message) {
	hash := NormalizedHash(msg.Text)

	dup, err := p.store.HasRecentHash(hash, p.dedupTTL, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("ingestion: dedup lookup failed")
		return
	}
	if dup {
		p.sink.Emit(telemetry.Event{
			Timestamp: time.Now(),
			Kind:      telemetry.KindDuplicate,
			Fields: map[string]string{
				"channel":    formatChannel(msg.ChannelID),
				"message_id": msg.MessageID,
			},
		})
		return
	}

	result := detector.Detect(msg.Text)
	if !result.IsSignal {
		p.sink.Emit(telemetry.Event{
			Timestamp: time.Now(),
			Kind:      telemetry.KindNonSignal,
			Fields: map[string]string{
				"channel":    formatChannel(msg.ChannelID),
				"message_id": msg.MessageID,
				"reason":     result.Reason,
			},
		})
		return
	}

	if p.extractOnly {
		log.Info().
			Str("symbol", result.Parsed.Symbol).
			Str("side", string(result.Parsed.Side)).
			Str("confidence", string(result.Parsed.Confidence)).
			Msg("ingestion: extract-only classification")
		return
	}

	sig := buildSignal(msg, hash, result.Parsed)
	if err := p.store.Insert(sig); err != nil {
		if errors.Is(err, signalstore.ErrDuplicate) {
			// Same (channel, message_id) inserted twice — the other dedup path,
			// independent of the hash/TTL check above.
			p.sink.Emit(telemetry.Event{
				Timestamp: time.Now(),
				Kind:      telemetry.KindDuplicate,
				Fields: map[string]string{
					"channel":    formatChannel(msg.ChannelID),
					"message_id": msg.MessageID,
				},
			})
			return
		}
		log.Error().Err(err).Msg("ingestion: insert failed")
		return
	}

	p.sink.Emit(telemetry.Event{
		Timestamp: time.Now(),
		SignalID:  telemetry.ForSignal(sig.SignalID),
		Kind:      telemetry.KindSignalAccepted,
		Fields: map[string]string{
			"symbol": sig.Symbol,
			"side":   string(sig.Side),
		},
	})
}

func buildSignal(msg chatsource.Message, hash string, parsed *detector.Parsed) *model.Signal {
	sig := &model.Signal{
		ReceivedAt:      msg.PostedAt,
		SourceChannel:   formatChannel(msg.ChannelID),
		SourceMessageID: msg.MessageID,
		NormalizedHash:  hash,
		Symbol:          parsed.Symbol,
		Side:            parsed.Side,
		EntryMid:        parsed.EntryMid,
		EntryLow:        parsed.EntryLow,
		EntryHigh:       parsed.EntryHigh,
		Targets:         model.DecimalList(parsed.Targets),
		StopLoss:        parsed.StopLoss,
		DeclaredLeverage: parsed.Leverage,
		Status:          model.SignalNew,
	}
	return sig
}

// NormalizedHash collapses whitespace and case before hashing, so cosmetic
// reposts of the same signal dedup together.
func NormalizedHash(text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = whitespaceRun.ReplaceAllString(normalized, " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func formatChannel(id int64) string {
	return strconv.FormatInt(id, 10)
}
