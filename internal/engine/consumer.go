package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// signalsChannel carries inbound trade signals as JSON.
const signalsChannel = "signals"

// SignalConsumer subscribes to the signal bus and feeds decoded trade
// signals to the executor. Signal generation itself lives outside the
// engine; anything that can publish JSON to the channel is a valid source.
type SignalConsumer struct {
	bus      domain.SignalBus
	executor *Executor
	logger   *slog.Logger
}

// NewSignalConsumer creates a SignalConsumer.
func NewSignalConsumer(bus domain.SignalBus, executor *Executor, logger *slog.Logger) *SignalConsumer {
	return &SignalConsumer{
		bus:      bus,
		executor: executor,
		logger:   logger.With(slog.String("component", "signal_consumer")),
	}
}

// signalMessage is the JSON shape accepted on the signals channel.
type signalMessage struct {
	ID         string  `json:"id"`
	BotID      string  `json:"bot_id"`
	StrategyID string  `json:"strategy_id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Price      float64 `json:"price"`
	Amount     float64 `json:"amount"`
	Source     string  `json:"source"`
	ExpiresAt  string  `json:"expires_at,omitempty"`
}

// Run consumes signals until ctx is cancelled.
func (sc *SignalConsumer) Run(ctx context.Context) error {
	ch, err := sc.bus.Subscribe(ctx, signalsChannel)
	if err != nil {
		return fmt.Errorf("signal consumer: subscribe: %w", err)
	}
	sc.logger.Info("signal consumer started")
	defer sc.logger.Info("signal consumer stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			if err := sc.handleMessage(ctx, data); err != nil {
				sc.logger.WarnContext(ctx, "signal handling failed",
					slog.String("error", err.Error()),
					slog.String("payload", string(data)),
				)
			}
		}
	}
}

func (sc *SignalConsumer) handleMessage(ctx context.Context, data []byte) error {
	var msg signalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode signal: %w", err)
	}

	side := domain.Side(msg.Side)
	if side != domain.SideLong && side != domain.SideShort {
		return fmt.Errorf("invalid side %q", msg.Side)
	}
	if msg.BotID == "" || msg.Symbol == "" {
		return fmt.Errorf("missing bot_id or symbol")
	}

	sig := domain.TradeSignal{
		ID:         msg.ID,
		BotID:      msg.BotID,
		StrategyID: msg.StrategyID,
		Symbol:     msg.Symbol,
		Side:       side,
		Price:      msg.Price,
		Amount:     msg.Amount,
		Source:     msg.Source,
		CreatedAt:  time.Now().UTC(),
	}
	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	if msg.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, msg.ExpiresAt); err == nil {
			sig.ExpiresAt = t
		}
	}

	pos, err := sc.executor.ExecuteSignal(ctx, sig)
	if err != nil {
		return fmt.Errorf("execute signal %s: %w", sig.ID, err)
	}
	if pos == nil {
		sc.logger.InfoContext(ctx, "signal dropped",
			slog.String("signal_id", sig.ID),
			slog.String("symbol", sig.Symbol),
		)
	}
	return nil
}
