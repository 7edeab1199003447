package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lsventura/cryptoTrader/internal/events"
	"github.com/lsventura/cryptoTrader/internal/exchange"
	"github.com/lsventura/cryptoTrader/internal/logging"
	"github.com/lsventura/cryptoTrader/internal/metrics"
)

// Errors for registry operations
var (
	ErrMonitorNotFound = errors.New("monitor not found")
	ErrMonitorExists   = errors.New("monitor already registered")
	ErrJoinTimeout     = errors.New("monitor did not stop before timeout")
	ErrRegistryClosed  = errors.New("registry is shut down")

	errInvalidPrice = errors.New("exchange returned a non-positive price")
)

const persistTimeout = 10 * time.Second

// Status is what status panels see for a monitor
type Status struct {
	Running bool       `json:"running"`
	Reason  ExitReason `json:"exit_reason,omitempty"`
	Record  Record     `json:"record"`
}

// handle is the registry's view of one watcher
type handle struct {
	record Record
	cancel context.CancelFunc
	done   chan struct{}
	reason ExitReason
}

func (h *handle) running() bool {
	if h.done == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Registry owns every running monitor. Each mutation is mirrored to the
// Store as a whole-snapshot replace.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*handle
	closing bool

	persistMu sync.Mutex
	store     Store

	ex     Exchange
	opts   Options
	logger zerolog.Logger
	events events.Publisher

	baseCtx context.Context
	stopAll context.CancelFunc
	wg      sync.WaitGroup
}

// NewRegistry creates a registry. events may be nil.
func NewRegistry(store Store, ex Exchange, opts Options, logger zerolog.Logger, pub events.Publisher) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		entries: make(map[string]*handle),
		store:   store,
		ex:      ex,
		opts:    opts.withDefaults(),
		logger:  logging.WithComponent(logger, "MonitorRegistry"),
		events:  pub,
		baseCtx: ctx,
		stopAll: cancel,
	}
}

// Register inserts a monitor's metadata and persists the snapshot. It does
// not start a watcher; Start does both.
func (r *Registry) Register(m *Monitor) error {
	if _, err := r.insert(m.Record(), nil); err != nil {
		return err
	}
	return r.Persist()
}

func (r *Registry) insert(rec Record, h *handle) (*handle, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if h == nil {
		h = &handle{}
	}
	h.record = rec

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return nil, ErrRegistryClosed
	}
	if _, exists := r.entries[rec.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrMonitorExists, rec.ID)
	}
	r.entries[rec.ID] = h
	if h.done != nil {
		// counted under mu so Shutdown's Wait covers every watcher it did not refuse
		r.wg.Add(1)
	}
	return h, nil
}

// Start builds a monitor from params, registers it and launches its watcher.
func (r *Registry) Start(p Params) (string, error) {
	m, err := New(p)
	if err != nil {
		return "", fmt.Errorf("invalid monitor params: %w", err)
	}

	ctx, cancel := context.WithCancel(r.baseCtx)
	h, err := r.insert(m.Record(), &handle{cancel: cancel, done: make(chan struct{})})
	if err != nil {
		cancel()
		return "", err
	}

	if err := r.Persist(); err != nil {
		r.logger.Error().Err(err).Str("monitor_id", m.ID()).Msg("Failed to persist new monitor")
	}

	w := &watcher{
		m:      m,
		ex:     r.ex,
		opts:   r.opts,
		logger: logging.WithMonitor(r.logger, m.ID(), m.Symbol(), string(m.Side())),
		events: r.events,
		onChange: func(rec Record) {
			if err := r.Update(rec); err != nil && !errors.Is(err, ErrMonitorNotFound) {
				r.logger.Error().Err(err).Str("monitor_id", rec.ID).Msg("Failed to persist monitor update")
			}
		},
	}

	metrics.MonitorsActive.Inc()
	r.publish(events.EventMonitorStarted, m.Record(), "")
	go r.watch(ctx, h, w)

	return m.ID(), nil
}

func (r *Registry) watch(ctx context.Context, h *handle, w *watcher) {
	reason := ExitFault
	defer func() {
		if p := recover(); p != nil {
			reason = ExitFault
			w.logger.Error().Interface("panic", p).Msg("Monitor crashed")
		}
		r.finish(h, reason)
		close(h.done)
		h.cancel()
		metrics.MonitorsActive.Dec()
		r.wg.Done()
	}()

	reason = w.run(ctx)
}

// finish removes an exited watcher. During shutdown the persisted entry is
// kept so the monitor is restored on the next start.
func (r *Registry) finish(h *handle, reason ExitReason) {
	r.mu.Lock()
	if r.closing && reason == ExitCancelled {
		reason = ExitShutdown
	}
	h.reason = reason
	rec := h.record
	id := rec.ID
	current, ok := r.entries[id]
	owned := ok && current == h
	if owned {
		delete(r.entries, id)
	}
	closing := r.closing
	r.mu.Unlock()

	metrics.MonitorExits.WithLabelValues(string(reason)).Inc()
	r.logger.Info().Str("monitor_id", id).Str("symbol", rec.Symbol).Str("reason", string(reason)).Msg("Monitor stopped")
	r.publish(events.EventMonitorStopped, rec, reason)

	if owned && !closing {
		if err := r.Persist(); err != nil {
			r.logger.Error().Err(err).Str("monitor_id", id).Msg("Failed to persist monitor removal")
		}
	}
}

// Deregister removes a monitor and persists. Unknown ids are a no-op. A
// running watcher is cancelled without issuing a close order.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	h, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if h.cancel != nil {
		h.cancel()
	}
	return r.Persist()
}

// Update replaces a monitor's metadata and persists. Native order flags are
// owned by SetNativeOrders and survive watcher updates.
func (r *Registry) Update(rec Record) error {
	r.mu.Lock()
	h, ok := r.entries[rec.ID]
	if ok {
		rec.StopOrderCreated = h.record.StopOrderCreated
		rec.TrailingOrderCreated = h.record.TrailingOrderCreated
		h.record = rec
	}
	r.mu.Unlock()

	if !ok {
		return ErrMonitorNotFound
	}
	return r.Persist()
}

// SetNativeOrders records which native protective orders exist for a monitor
func (r *Registry) SetNativeOrders(id string, stop, trailing bool) error {
	r.mu.Lock()
	h, ok := r.entries[id]
	if ok {
		h.record.StopOrderCreated = stop
		h.record.TrailingOrderCreated = trailing
	}
	r.mu.Unlock()

	if !ok {
		return ErrMonitorNotFound
	}
	return r.Persist()
}

// List returns a point-in-time copy of all registered monitors' metadata
func (r *Registry) List() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.entries))
	for _, h := range r.entries {
		out = append(out, copyRecord(h.record))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// ForSymbol lists monitors watching any spelling of symbol
func (r *Registry) ForSymbol(symbol string) []Record {
	native := exchange.NativeSymbol(symbol)
	var out []Record
	for _, rec := range r.List() {
		if exchange.NativeSymbol(rec.Symbol) == native {
			out = append(out, rec)
		}
	}
	return out
}

// Status reports whether the monitor's watcher is running plus its metadata
func (r *Registry) Status(id string) (Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.entries[id]
	if !ok {
		return Status{}, ErrMonitorNotFound
	}
	return Status{Running: h.running(), Reason: h.reason, Record: copyRecord(h.record)}, nil
}

// Len returns the number of registered monitors
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Stop cancels a watcher without closing its position and waits up to
// timeout for it to exit.
func (r *Registry) Stop(id string, timeout time.Duration) error {
	r.mu.RLock()
	h, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return ErrMonitorNotFound
	}

	if h.cancel == nil {
		return r.Deregister(id)
	}
	h.cancel()
	return join(h.done, timeout, id)
}

// StopSymbol stops every watcher on symbol. All are cancelled before any
// join so one stuck watcher does not delay the others.
func (r *Registry) StopSymbol(symbol string, timeout time.Duration) error {
	return r.stopMany(r.ForSymbol(symbol), timeout)
}

// StopAll stops every watcher and removes them from the snapshot
func (r *Registry) StopAll(timeout time.Duration) error {
	return r.stopMany(r.List(), timeout)
}

func (r *Registry) stopMany(recs []Record, timeout time.Duration) error {
	type pending struct {
		id   string
		done chan struct{}
	}
	var waits []pending
	var errs []error

	for _, rec := range recs {
		r.mu.RLock()
		h, ok := r.entries[rec.ID]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		if h.cancel == nil {
			if err := r.Deregister(rec.ID); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		h.cancel()
		waits = append(waits, pending{id: rec.ID, done: h.done})
	}

	deadline := time.Now().Add(timeout)
	for _, p := range waits {
		if err := join(p.done, time.Until(deadline), p.id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops all watchers for process exit. Persisted entries are left
// untouched so startup reconciliation can restore them.
func (r *Registry) Shutdown(timeout time.Duration) error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	r.stopAll()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	return join(done, timeout, "all")
}

// Persist writes the current set of monitors as one snapshot. The copy and
// the write happen under one lock so concurrent mutations cannot interleave.
func (r *Registry) Persist() error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.RLock()
	snap := make(Snapshot, len(r.entries))
	for id, h := range r.entries {
		snap[id] = copyRecord(h.record)
	}
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	start := time.Now()
	err := r.store.Save(ctx, snap)
	metrics.SnapshotWriteDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotWrites.WithLabelValues(metrics.OrderResult(err)).Inc()
	if err != nil {
		return fmt.Errorf("failed to persist monitor snapshot: %w", err)
	}
	return nil
}

func (r *Registry) publish(t events.EventType, rec Record, reason ExitReason) {
	if r.events == nil {
		return
	}
	data := map[string]interface{}{
		"monitor_id":  rec.ID,
		"symbol":      rec.Symbol,
		"side":        string(rec.Side),
		"entry_price": rec.EntryPrice,
		"amount":      rec.Amount,
	}
	if reason != "" {
		data["reason"] = string(reason)
	}
	r.events.Publish(events.New(t, data))
}

func join(done <-chan struct{}, timeout time.Duration, id string) error {
	if done == nil {
		return nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		return fmt.Errorf("%w: %s after %v", ErrJoinTimeout, id, timeout)
	}
}

func copyRecord(rec Record) Record {
	rec.Extra = copyExtra(rec.Extra)
	return rec
}
