package publisher

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashgrove/signalbridge/internal/chatsource"
	"github.com/ashgrove/signalbridge/internal/model"
)

type fakeSource struct {
	sentChat int64
	sentText string
}

func (f *fakeSource) Subscribe(ctx context.Context, channels []int64) (<-chan chatsource.Message, error) {
	return nil, nil
}

func (f *fakeSource) Send(ctx context.Context, channelID int64, text string) error {
	f.sentChat = channelID
	f.sentText = text
	return nil
}

func TestPublishEntry_SendsToConfiguredChatWithAllConfirmedFields(t *testing.T) {
	src := &fakeSource{}
	pub := New(src, 12345)

	err := pub.PublishEntry(context.Background(), Confirmation{
		BotOrderID:       7,
		ExchangeOrderIDs: []string{"o1", "o2", "o3"},
		Symbol:           "BTCUSDT",
		Side:             model.Long,
		EntryPrice:       decimal.NewFromFloat(100.5),
		SLPrice:          decimal.NewFromFloat(95),
		Leverage:         decimal.NewFromFloat(10),
		Quantity:         decimal.NewFromFloat(0.5),
		TPList: []TPLine{
			{Price: decimal.NewFromFloat(105), PctFromEntry: decimal.NewFromFloat(4.48), Share: decimal.NewFromFloat(50)},
			{Price: decimal.NewFromFloat(110), PctFromEntry: decimal.NewFromFloat(9.45), Share: decimal.NewFromFloat(50)},
		},
		OrderAccepted:  true,
		TPSLSet:        true,
		PositionOpened: true,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(12345), src.sentChat)
	assert.Contains(t, src.sentText, "Confirmed by exchange")
	assert.Contains(t, src.sentText, "bot_order_id: 7")
	assert.Contains(t, src.sentText, "exchange_order_ids: o1, o2, o3")
	assert.Contains(t, src.sentText, "symbol: BTCUSDT")
	assert.Contains(t, src.sentText, "side: LONG")
	assert.Contains(t, src.sentText, "leverage: x10.00")
	assert.Contains(t, src.sentText, "order_accepted: true")
	assert.Contains(t, src.sentText, "tp_sl_set: true")
	assert.Contains(t, src.sentText, "position_opened: true")
	assert.Equal(t, 2, strings.Count(src.sentText, ") "), "both TP lines rendered")
}

func TestRender_EmptyTPListStillProducesValidBlock(t *testing.T) {
	text := render(Confirmation{
		BotOrderID:     1,
		Symbol:         "ETHUSDT",
		Side:           model.Short,
		OrderAccepted:  true,
		TPSLSet:        true,
		PositionOpened: true,
	})
	assert.Contains(t, text, "tp_list:\n")
	assert.Contains(t, text, "side: SHORT")
}
