package storage

import (
	"fmt"

	"chartink-webhook-go/internal/config"
	"go.uber.org/zap"
)

// BuildBindings creates the configured tier chain in priority order.
func BuildBindings(cfg config.Storage, logger *zap.Logger) ([]Binding, error) {
	bindings := make([]Binding, 0, len(cfg.Tiers))
	for i, t := range cfg.Tiers {
		var tier Tier
		switch t.Kind {
		case config.TierFirebase:
			tier = NewFirebaseTier(cfg.Firebase, logger)
		case config.TierSupabase:
			tier = NewSupabaseTier(cfg.Supabase, logger)
		case config.TierSQLite:
			tier = NewSQLiteTier(cfg.SQLite, logger)
		default:
			return nil, fmt.Errorf("storage.tiers[%d]: unknown kind %q", i, t.Kind)
		}
		bindings = append(bindings, Binding{Tier: tier, InitTimeout: t.InitTimeout, WriteTimeout: t.WriteTimeout})
	}
	return bindings, nil
}
