package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"droughtwatch/internal/config"
	"droughtwatch/internal/eventbus"
	"droughtwatch/internal/presence"
	"droughtwatch/internal/storage"
	"droughtwatch/pkg/logx"
)

// RunViewer joins the presence group as one client instance and blocks
// until ctx ends. Only the elected leader writes heartbeats to reg.
func RunViewer(ctx context.Context, cfg *config.Config, reg storage.Registry, bus eventbus.Bus, log logx.Logger) error {
	visitorID, err := presence.LoadOrCreateVisitorID(cfg.Presence.VisitorIDPath)
	if err != nil {
		return err
	}
	instance := uuid.NewString()
	ch, err := presence.DialMQTT(mapMQTTConfig(cfg, "droughtwatch-"+instance), log)
	if err != nil {
		return fmt.Errorf("viewer: %w", err)
	}
	defer ch.Close()

	coord := presence.NewCoordinator(ch, reg, visitorID,
		presence.WithInstanceID(instance),
		presence.WithTimings(PresenceTimings(cfg)),
		presence.WithBus(bus),
		presence.WithLogger(log),
	)
	if err := coord.Start(ctx); err != nil {
		return err
	}
	log.Info("viewer joined", logx.String("visitor", visitorID), logx.String("instance", instance), logx.String("topic", ch.Topic()))
	<-ctx.Done()
	coord.Stop()
	return nil
}
