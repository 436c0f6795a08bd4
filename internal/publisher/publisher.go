// Package publisher is the outward confirmation channel: the only
// format ever sent to the operator after something actually happened on the
// exchange. Raw forwarding of chat text, or announcing a state before the
// exchange has acknowledged it, are both forbidden by construction — every
// method here takes already-confirmed fields, never a pending one.
package publisher

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ashgrove/signalbridge/internal/chatsource"
	"github.com/ashgrove/signalbridge/internal/model"
)

// Publisher sends the fixed confirmation template to one operator-facing
// channel, never the source channel a signal was read from.
type Publisher struct {
	source chatsource.Source
	chatID int64
}

func New(source chatsource.Source, chatID int64) *Publisher {
	return &Publisher{source: source, chatID: chatID}
}

// TPLine is one row of the published tp_list: price, % from entry, and the
// share of planned quantity it covers.
type TPLine struct {
	Price       decimal.Decimal
	PctFromEntry decimal.Decimal
	Share       decimal.Decimal
}

// Confirmation carries exactly the fields the published template names.
// Every field here must already reflect an exchange-acknowledged fact.
type Confirmation struct {
	BotOrderID       uint64
	ExchangeOrderIDs []string
	Symbol           string
	Side             model.Side
	EntryPrice       decimal.Decimal
	SLPrice          decimal.Decimal
	Leverage         decimal.Decimal
	Quantity         decimal.Decimal
	TPList           []TPLine
	OrderAccepted    bool
	TPSLSet          bool
	PositionOpened   bool
}

// PublishEntry sends the confirmation block for a newly placed entry. Call
// only once the exchange has accepted the order(s) described.
func (p *Publisher) PublishEntry(ctx context.Context, c Confirmation) error {
	return p.source.Send(ctx, p.chatID, render(c))
}

func render(c Confirmation) string {
	var b strings.Builder
	b.WriteString("Confirmed by exchange — this message was sent only after exchange acknowledgement.\n\n")
	fmt.Fprintf(&b, "bot_order_id: %d\n", c.BotOrderID)
	fmt.Fprintf(&b, "exchange_order_ids: %s\n", strings.Join(c.ExchangeOrderIDs, ", "))
	fmt.Fprintf(&b, "symbol: %s\n", c.Symbol)
	fmt.Fprintf(&b, "side: %s\n", c.Side)
	fmt.Fprintf(&b, "entry_price: %s\n", c.EntryPrice.String())
	fmt.Fprintf(&b, "sl_price: %s\n", c.SLPrice.String())
	fmt.Fprintf(&b, "leverage: x%s\n", c.Leverage.StringFixed(2))
	fmt.Fprintf(&b, "quantity: %s\n", c.Quantity.String())
	b.WriteString("tp_list:\n")
	for i, tp := range c.TPList {
		fmt.Fprintf(&b, "  %d) %s (%s%% from entry, %s%% share)\n", i+1, tp.Price.String(), tp.PctFromEntry.StringFixed(2), tp.Share.StringFixed(2))
	}
	fmt.Fprintf(&b, "order_accepted: %t\n", c.OrderAccepted)
	fmt.Fprintf(&b, "tp_sl_set: %t\n", c.TPSLSet)
	fmt.Fprintf(&b, "position_opened: %t\n", c.PositionOpened)
	return b.String()
}
