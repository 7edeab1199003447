package monitor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lsventura/cryptoTrader/internal/events"
	"github.com/lsventura/cryptoTrader/internal/exchange"
)

// reconcileConcurrency bounds parallel position lookups at startup
const reconcileConcurrency = 4

// RiskDefaults fill in risk parameters missing from older snapshots
type RiskDefaults struct {
	StopLossPct           float64
	TrailingActivationPct float64
	CallbackRatePct       float64
}

// ReconcileReport summarizes a startup reconciliation pass
type ReconcileReport struct {
	Restored   []string `json:"restored"`
	Orphans    []string `json:"orphans"`
	Invalid    []string `json:"invalid"`
	Unverified []string `json:"unverified"`
}

type lookupResult struct {
	pos *exchange.Position
	err error
}

// Reconcile restores monitors from a persisted snapshot. Entries whose symbol
// has no open exchange position are discarded as orphans; the rest restart
// with their original id and flags. A position lookup that fails outright
// restarts the monitor anyway, since the position may still be open. The
// surviving set is persisted at the end.
func Reconcile(ctx context.Context, reg *Registry, snap Snapshot, q exchange.PositionQuery, defaults RiskDefaults, logger zerolog.Logger) (*ReconcileReport, error) {
	log := logger.With().Str("component", "Reconcile").Logger()
	report := &ReconcileReport{}
	ids := snap.IDs()
	results := make([]lookupResult, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileConcurrency)
	for i, id := range ids {
		i, rec := i, snap[id]
		if rec.Symbol == "" {
			continue
		}
		g.Go(func() error {
			pos, _, err := exchange.FindPosition(gctx, q, rec.Symbol)
			results[i] = lookupResult{pos: pos, err: err}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return report, fmt.Errorf("reconciliation interrupted: %w", err)
	}

	for i, id := range ids {
		rec := snap[id]
		rec.ID = id
		res := results[i]

		if rec.Symbol == "" || !(rec.EntryPrice > 0) || !(rec.Amount > 0) {
			log.Warn().Err(rec.DecodeErr()).Str("monitor_id", id).Str("symbol", rec.Symbol).Msg("Snapshot entry incomplete, discarded")
			report.Invalid = append(report.Invalid, id)
			continue
		}

		if res.err == nil && res.pos == nil {
			log.Info().Str("monitor_id", id).Str("symbol", rec.Symbol).Msg("Orphan removed: no exchange position")
			report.Orphans = append(report.Orphans, id)
			if reg.events != nil {
				reg.events.Publish(events.New(events.EventOrphanRemoved, map[string]interface{}{
					"monitor_id": id,
					"symbol":     rec.Symbol,
				}))
			}
			continue
		}

		p := applyDefaults(rec.Params(), defaults)
		if _, err := reg.Start(p); err != nil {
			log.Error().Err(err).Str("monitor_id", id).Msg("Failed to restart monitor")
			report.Invalid = append(report.Invalid, id)
			continue
		}

		if res.err != nil {
			log.Warn().Err(res.err).Str("monitor_id", id).Str("symbol", rec.Symbol).
				Msg("Position lookup failed, monitor restarted unverified")
			report.Unverified = append(report.Unverified, id)
		} else {
			log.Info().Str("monitor_id", id).Str("symbol", rec.Symbol).
				Float64("exchange_amount", res.pos.Amount).
				Msg("Monitor restored")
		}
		report.Restored = append(report.Restored, id)
	}

	if err := reg.Persist(); err != nil {
		return report, err
	}

	log.Info().
		Int("restored", len(report.Restored)).
		Int("orphans", len(report.Orphans)).
		Int("invalid", len(report.Invalid)).
		Msg("Startup reconciliation complete")
	return report, nil
}

func applyDefaults(p Params, d RiskDefaults) Params {
	if !(p.StopLossPct > 0) {
		p.StopLossPct = d.StopLossPct
	}
	if !(p.TrailingActivationPct > 0) {
		p.TrailingActivationPct = d.TrailingActivationPct
	}
	if !(p.CallbackRatePct > 0) {
		p.CallbackRatePct = d.CallbackRatePct
	}
	return p
}
