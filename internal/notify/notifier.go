// Package notify delivers operator alerts raised by the trading engine
// (unprotected positions, closes, fail-opens) to one or more channels.
// Senders are fanned out concurrently and transient delivery failures are
// retried, so a slow webhook never delays the monitor tick that raised the
// alert.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/futuresbot/internal/retry"
)

// Sender is a single delivery channel.
type Sender interface {
	// Send delivers one alert with a short title and a message body.
	Send(ctx context.Context, title, message string) error
	// Name identifies the channel in logs ("telegram", "discord").
	Name() string
}

// Notifier fans alerts out to the configured senders. An optional allow-list
// of event names filters what gets forwarded; an empty list forwards
// everything.
type Notifier struct {
	senders  []Sender
	allowed  map[string]struct{}
	retryCfg retry.Config
	logger   *slog.Logger
}

// NewNotifier builds a Notifier over the given senders. events is the
// allow-list of event names; nil or empty allows all.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]struct{}, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = struct{}{}
		}
	}

	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.InitialDelay = 250 * time.Millisecond

	return &Notifier{
		senders:  senders,
		allowed:  allowed,
		retryCfg: cfg,
		logger:   logger.With(slog.String("component", "notifier")),
	}
}

// Notify forwards the alert to every sender if the event passes the filter.
// Sender failures are independent: each channel gets its own retry budget and
// one channel failing does not stop the others.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.allowed) > 0 {
		if _, ok := n.allowed[event]; !ok {
			n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
			return nil
		}
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll bypasses the event filter.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	// A plain group, not WithContext: one channel failing must not cancel
	// in-flight retries on the others.
	var g errgroup.Group
	for _, s := range n.senders {
		s := s
		g.Go(func() error {
			err := retry.Do(ctx, n.retryCfg, func() error {
				return s.Send(ctx, title, message)
			})
			if err != nil {
				n.logger.ErrorContext(ctx, "sender failed",
					slog.String("sender", s.Name()),
					slog.String("error", err.Error()),
				)
				return fmt.Errorf("notify: %s: %w", s.Name(), err)
			}
			n.logger.DebugContext(ctx, "alert delivered",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
			return nil
		})
	}
	return g.Wait()
}
