package persistence

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/lsventura/cryptoTrader/internal/monitor"
)

// MirrorStore writes to a primary store and best-effort to any mirrors.
// Only primary failures are returned.
type MirrorStore struct {
	primary monitor.Store
	mirrors []monitor.Store
	logger  zerolog.Logger
}

// NewMirrorStore wraps primary with zero or more mirrors
func NewMirrorStore(logger zerolog.Logger, primary monitor.Store, mirrors ...monitor.Store) *MirrorStore {
	return &MirrorStore{
		primary: primary,
		mirrors: mirrors,
		logger:  logger.With().Str("component", "MirrorStore").Logger(),
	}
}

// Load prefers the primary. When the primary is empty or unreadable the
// first non-empty mirror wins.
func (s *MirrorStore) Load(ctx context.Context) (monitor.Snapshot, error) {
	snap, err := s.primary.Load(ctx)
	if err == nil && len(snap) > 0 {
		return snap, nil
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Primary snapshot unreadable, trying mirrors")
	}

	for i, m := range s.mirrors {
		msnap, merr := m.Load(ctx)
		if merr != nil {
			s.logger.Warn().Err(merr).Int("mirror", i).Msg("Mirror snapshot unreadable")
			continue
		}
		if len(msnap) > 0 {
			s.logger.Info().Int("mirror", i).Int("monitors", len(msnap)).Msg("Snapshot loaded from mirror")
			return msnap, nil
		}
	}

	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Save writes the primary first, then each mirror
func (s *MirrorStore) Save(ctx context.Context, snap monitor.Snapshot) error {
	if err := s.primary.Save(ctx, snap); err != nil {
		return err
	}
	for i, m := range s.mirrors {
		if err := m.Save(ctx, snap); err != nil {
			s.logger.Debug().Err(err).Int("mirror", i).Msg("Mirror snapshot write failed")
		}
	}
	return nil
}
