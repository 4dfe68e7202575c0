package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// positionsChannel carries position lifecycle events as JSON.
const positionsChannel = "positions"

// Lifecycle event names published on positionsChannel.
const (
	EventPositionOpened      = "position_opened"
	EventPositionClosed      = "position_closed"
	EventPositionUnprotected = "position_unprotected"
)

// publishPositionEvent publishes a lifecycle event; publish failures are
// logged and never fail the operation that produced them.
func publishPositionEvent(ctx context.Context, bus domain.SignalBus, logger *slog.Logger, event string, pos *domain.Position, extra map[string]any) {
	if bus == nil {
		return
	}

	payload := map[string]any{
		"event":       event,
		"position_id": pos.ID,
		"bot_id":      pos.BotID,
		"symbol":      pos.Symbol,
		"side":        pos.Side,
		"status":      pos.Status,
		"entry_price": pos.EntryPrice,
		"quantity":    pos.Quantity,
		"amount":      pos.Amount,
		"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range extra {
		payload[k] = v
	}

	evt, _ := json.Marshal(payload)
	if err := bus.Publish(ctx, positionsChannel, evt); err != nil {
		logger.WarnContext(ctx, "publish position event failed",
			slog.String("event", event),
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}
