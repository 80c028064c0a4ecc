package main

import (
	"context"
	"io"
	"time"

	"droughtwatch/internal/app"
)

func runDaemon(ctx context.Context, args []string, _ io.Writer) error {
	var cfgPath string
	if err := parse(newFlags("run", &cfgPath), args); err != nil {
		return err
	}

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	fatal := a.Err()

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	return fatal
}
