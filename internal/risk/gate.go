// Package risk implements the synchronous gate that blocks trade creation or
// custodial release when a party or transaction pattern is judged unsafe.
//
// The gate combines local velocity/limit rules with an external scoring
// signal. It is advisory failing-closed: when the external signal is
// unavailable the local rules still run, and the gate never silently passes
// on signal unavailability.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vidiaspot/p2p-engine/internal/store"
)

// ErrBlocked is returned by callers that treat a blocking verdict as an
// error. The verdict itself carries the triggered rule names.
var ErrBlocked = errors.New("risk: blocked")

// Rule names reported in verdicts.
const (
	RuleTierValueLimit      = "tier_value_limit"
	RuleVelocity            = "velocity"
	RuleVolumeLimit         = "volume_limit"
	RuleNewAccountHighValue = "new_account_high_value"
	RuleExternalScore       = "external_score"
)

// TrustProvider supplies identity attributes from the external trust
// subsystem.
type TrustProvider interface {
	TrustTier(ctx context.Context, userID string) (int, error)
	AccountAgeDays(ctx context.Context, userID string) (int, error)
}

// SignalProvider supplies the external risk score. ok=false means the signal
// is unavailable for this subject; that is not an error.
type SignalProvider interface {
	RiskScore(ctx context.Context, userID string, value decimal.Decimal) (score float64, ok bool, err error)
}

// Verdict is the ephemeral result of one evaluation. Not persisted beyond
// the audit log line written by Evaluate.
type Verdict struct {
	SubjectID   string    `json:"subject_id"`
	Score       float64   `json:"score"`
	Blocked     bool      `json:"blocked"`
	Rules       []string  `json:"rules,omitempty"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Config tunes the local rules.
type Config struct {
	// TierLimits maps trust tier → maximum single-transaction value.
	// Tiers above the highest key inherit the highest limit.
	TierLimits map[int]decimal.Decimal

	// VelocityWindow and VelocityMax: more than VelocityMax trades within
	// the trailing window blocks the subject.
	VelocityWindow time.Duration
	VelocityMax    int

	// VolumeWindow and VolumeLimit: settled volume plus the proposed value
	// exceeding the limit within the trailing window blocks. A zero limit
	// disables the rule.
	VolumeWindow time.Duration
	VolumeLimit  decimal.Decimal

	// NewAccountMaxAgeDays and NewAccountValueLimit: an account younger than
	// the threshold combined with a value above the limit blocks.
	NewAccountMaxAgeDays int
	NewAccountValueLimit decimal.Decimal

	// ExternalBlockScore: an external score at or above this blocks outright.
	ExternalBlockScore float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TierLimits: map[int]decimal.Decimal{
			0: decimal.NewFromInt(100),
			1: decimal.NewFromInt(1000),
			2: decimal.NewFromInt(10000),
			3: decimal.NewFromInt(100000),
		},
		VelocityWindow:       30 * time.Minute,
		VelocityMax:          5,
		VolumeWindow:         24 * time.Hour,
		VolumeLimit:          decimal.NewFromInt(100000),
		NewAccountMaxAgeDays: 1,
		NewAccountValueLimit: decimal.NewFromInt(1000),
		ExternalBlockScore:   80,
	}
}

// Gate evaluates subjects against the local rules and the external signal.
type Gate struct {
	store  store.Store
	trust  TrustProvider
	signal SignalProvider
	cfg    Config
}

// NewGate creates a risk gate. signal may be nil when no external scoring
// provider is configured; local rules always run.
func NewGate(st store.Store, trust TrustProvider, signal SignalProvider, cfg Config) *Gate {
	return &Gate{store: st, trust: trust, signal: signal, cfg: cfg}
}

// Evaluate runs all rules for the subject against the proposed transaction
// value. It returns an error only on infrastructure failure (trust provider
// or store unreachable); a blocking outcome is expressed in the verdict.
func (g *Gate) Evaluate(ctx context.Context, subjectID string, value decimal.Decimal) (Verdict, error) {
	v := Verdict{
		SubjectID:   subjectID,
		EvaluatedAt: time.Now().UTC(),
	}

	tier, err := g.trust.TrustTier(ctx, subjectID)
	if err != nil {
		return v, fmt.Errorf("trust tier for %s: %w", subjectID, err)
	}
	ageDays, err := g.trust.AccountAgeDays(ctx, subjectID)
	if err != nil {
		return v, fmt.Errorf("account age for %s: %w", subjectID, err)
	}

	// Rule: value exceeds the tier-based limit.
	if value.GreaterThan(g.tierLimit(tier)) {
		v.trigger(RuleTierValueLimit, 25)
	}

	// Rule: transaction velocity over the trailing window.
	since := v.EvaluatedAt.Add(-g.cfg.VelocityWindow)
	recent, err := g.store.CountUserTradesSince(ctx, subjectID, since)
	if err != nil {
		return v, fmt.Errorf("velocity query for %s: %w", subjectID, err)
	}
	if recent > g.cfg.VelocityMax {
		v.trigger(RuleVelocity, 25)
	}

	// Rule: settled volume over the trailing window.
	if g.cfg.VolumeLimit.IsPositive() {
		volume, err := g.store.SumUserVolumeSince(ctx, subjectID, v.EvaluatedAt.Add(-g.cfg.VolumeWindow))
		if err != nil {
			return v, fmt.Errorf("volume query for %s: %w", subjectID, err)
		}
		if volume.Add(value).GreaterThan(g.cfg.VolumeLimit) {
			v.trigger(RuleVolumeLimit, 25)
		}
	}

	// Rule: new account combined with high transaction value.
	if ageDays < g.cfg.NewAccountMaxAgeDays && value.GreaterThan(g.cfg.NewAccountValueLimit) {
		v.trigger(RuleNewAccountHighValue, 25)
	}

	// External signal: absence or failure never skips the local rules above.
	if g.signal != nil {
		score, ok, err := g.signal.RiskScore(ctx, subjectID, value)
		switch {
		case err != nil:
			slog.Warn("risk signal unavailable", "subject", subjectID, "err", err)
		case ok:
			v.Score += score
			if score >= g.cfg.ExternalBlockScore {
				v.Blocked = true
				v.Rules = append(v.Rules, RuleExternalScore)
			}
		}
	}

	slog.Info("risk evaluated",
		"subject", subjectID,
		"value", value.String(),
		"score", v.Score,
		"blocked", v.Blocked,
		"rules", v.Rules,
	)
	return v, nil
}

// MeetsTier reports whether the subject's trust tier satisfies a listing's
// minimum counterparty tier.
func (g *Gate) MeetsTier(ctx context.Context, subjectID string, min int) (bool, error) {
	tier, err := g.trust.TrustTier(ctx, subjectID)
	if err != nil {
		return false, fmt.Errorf("trust tier for %s: %w", subjectID, err)
	}
	return tier >= min, nil
}

func (g *Gate) tierLimit(tier int) decimal.Decimal {
	if limit, ok := g.cfg.TierLimits[tier]; ok {
		return limit
	}
	// Walk down to the nearest configured tier below.
	best := decimal.Zero
	bestTier := -1
	for t, limit := range g.cfg.TierLimits {
		if t <= tier && t > bestTier {
			best = limit
			bestTier = t
		}
	}
	return best
}

// trigger records a blocking rule and its score contribution.
func (v *Verdict) trigger(rule string, score float64) {
	v.Blocked = true
	v.Score += score
	v.Rules = append(v.Rules, rule)
}
