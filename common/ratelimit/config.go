package ratelimit

import "github.com/estatehub/portal/common/config"

// Tier groups callers that share a request budget
type Tier string

const (
	TierReviewer Tier = "reviewer" // admins
	TierProposer Tier = "proposer" // employees and agents
	TierReader   Tier = "reader"   // customers and anonymous callers
)

// TierConfig defines the budget for one tier
type TierConfig struct {
	Tier          Tier
	Limit         int64 // Requests allowed per window
	WindowSeconds int   // Time window in seconds
}

// Tiers maps every tier to its budget
type Tiers map[Tier]TierConfig

// TiersFromConfig builds per-minute budgets from service configuration
func TiersFromConfig(cfg config.RateLimitConfig) Tiers {
	return Tiers{
		TierReviewer: {Tier: TierReviewer, Limit: cfg.AdminLimit, WindowSeconds: 60},
		TierProposer: {Tier: TierProposer, Limit: cfg.ProposerLimit, WindowSeconds: 60},
		TierReader:   {Tier: TierReader, Limit: cfg.CustomerLimit, WindowSeconds: 60},
	}
}

// For returns the budget for a tier, falling back to the most restrictive one
func (t Tiers) For(tier Tier) TierConfig {
	if cfg, ok := t[tier]; ok {
		return cfg
	}
	return t[TierReader]
}

// TierForRole maps an actor role to its tier
func TierForRole(role string) Tier {
	switch role {
	case "admin":
		return TierReviewer
	case "employee", "agent":
		return TierProposer
	default:
		return TierReader
	}
}
