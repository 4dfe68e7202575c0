package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// TradeMode runs the full engine: the signal consumer feeding the executor,
// with the reconciliation monitor alongside as the safety net.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	if err := a.startMonitor(deps); err != nil {
		return err
	}
	defer deps.Monitor.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return deps.Consumer.Run(ctx)
	})

	return g.Wait()
}

// MonitorMode runs only the reconciliation loop. Useful as a standalone
// watchdog next to trade-mode instances sharing the same database.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	if err := a.startMonitor(deps); err != nil {
		return err
	}
	defer deps.Monitor.Stop()

	<-ctx.Done()
	return ctx.Err()
}

func (a *App) startMonitor(deps *Dependencies) error {
	if err := deps.Monitor.Initialize(deps.Notifier); err != nil {
		return fmt.Errorf("app: initialize monitor: %w", err)
	}
	if err := deps.Monitor.Start(); err != nil {
		return fmt.Errorf("app: start monitor: %w", err)
	}
	return nil
}
