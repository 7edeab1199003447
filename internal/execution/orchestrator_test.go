package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lsventura/cryptoTrader/internal/events"
	"github.com/lsventura/cryptoTrader/internal/exchange"
	"github.com/lsventura/cryptoTrader/internal/monitor"
	"github.com/lsventura/cryptoTrader/internal/risk"
	"github.com/lsventura/cryptoTrader/internal/strategy"
)

type marketCall struct {
	side       exchange.Side
	amount     float64
	reduceOnly bool
}

type fakeGateway struct {
	mu          sync.Mutex
	price       float64
	balance     float64
	position    *exchange.Position
	positionErr error
	minNotional float64
	marketErr   error
	stopErr     error
	trailErr    error
	leverage    int

	market  []marketCall
	stops   []float64
	trails  []float64
	cancels int
}

func (g *fakeGateway) GetPrice(ctx context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.price, nil
}

func (g *fakeGateway) GetPosition(ctx context.Context, symbol string) (*exchange.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.positionErr != nil {
		return nil, g.positionErr
	}
	if g.position == nil {
		return nil, nil
	}
	pos := *g.position
	pos.Symbol = symbol
	return &pos, nil
}

func (g *fakeGateway) GetBalance(ctx context.Context, asset string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balance, nil
}

func (g *fakeGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leverage = leverage
	return nil
}

func (g *fakeGateway) CreateMarketOrder(ctx context.Context, symbol string, side exchange.Side, amount float64, reduceOnly bool) (*exchange.OrderRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.market = append(g.market, marketCall{side: side, amount: amount, reduceOnly: reduceOnly})
	if g.marketErr != nil {
		return nil, g.marketErr
	}
	if !reduceOnly && amount*g.price < g.minNotional-1e-9 {
		return nil, fmt.Errorf("notional %v: %w", amount*g.price, exchange.ErrBelowMinNotional)
	}
	if reduceOnly {
		g.position = nil
	} else {
		g.position = &exchange.Position{Side: side.PositionSide(), Amount: amount, EntryPrice: g.price}
	}
	return &exchange.OrderRef{
		ID: fmt.Sprintf("m%d", len(g.market)), Symbol: symbol, Side: side, Type: "MARKET",
		Amount: amount, Price: g.price, ReduceOnly: reduceOnly,
	}, nil
}

func (g *fakeGateway) CreateStopOrder(ctx context.Context, symbol string, side exchange.Side, amount, stopPrice float64, reduceOnly bool) (*exchange.OrderRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopErr != nil {
		return nil, g.stopErr
	}
	g.stops = append(g.stops, stopPrice)
	return &exchange.OrderRef{ID: "s", Symbol: symbol, Side: side, Type: "STOP_MARKET", Amount: amount, StopPrice: stopPrice, ReduceOnly: reduceOnly}, nil
}

func (g *fakeGateway) CreateTrailingStopOrder(ctx context.Context, symbol string, side exchange.Side, amount, callbackRatePct float64, reduceOnly bool) (*exchange.OrderRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.trailErr != nil {
		return nil, g.trailErr
	}
	g.trails = append(g.trails, callbackRatePct)
	return &exchange.OrderRef{ID: "t", Symbol: symbol, Side: side, Type: "TRAILING_STOP_MARKET", Amount: amount, ReduceOnly: reduceOnly}, nil
}

func (g *fakeGateway) CancelOpenOrders(ctx context.Context, symbol string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels++
	return nil
}

type fakeRegistry struct {
	mu       sync.Mutex
	started  []monitor.Params
	records  []monitor.Record
	stopped  []string
	native   map[string][2]bool
	startErr error
	stopErr  error
}

func (r *fakeRegistry) Start(p monitor.Params) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return "", r.startErr
	}
	r.started = append(r.started, p)
	id := fmt.Sprintf("mon-%d", len(r.started))
	r.records = append(r.records, monitor.Record{
		ID: id, Symbol: p.Symbol, Side: p.Side, EntryPrice: p.EntryPrice, Amount: p.Amount,
		StopOrderCreated: p.StopOrderCreated, TrailingOrderCreated: p.TrailingOrderCreated,
	})
	return id, nil
}

func (r *fakeRegistry) StopSymbol(symbol string, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, symbol)
	if r.stopErr != nil {
		return r.stopErr
	}
	kept := r.records[:0]
	for _, rec := range r.records {
		if exchange.NativeSymbol(rec.Symbol) != exchange.NativeSymbol(symbol) {
			kept = append(kept, rec)
		}
	}
	r.records = kept
	return nil
}

func (r *fakeRegistry) ForSymbol(symbol string) []monitor.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []monitor.Record
	for _, rec := range r.records {
		if exchange.NativeSymbol(rec.Symbol) == exchange.NativeSymbol(symbol) {
			out = append(out, rec)
		}
	}
	return out
}

func (r *fakeRegistry) List() []monitor.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]monitor.Record(nil), r.records...)
}

func (r *fakeRegistry) Status(id string) (monitor.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ID == id {
			return monitor.Status{Running: true, Record: rec}, nil
		}
	}
	return monitor.Status{}, monitor.ErrMonitorNotFound
}

func (r *fakeRegistry) SetNativeOrders(id string, stop, trailing bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.native == nil {
		r.native = make(map[string][2]bool)
	}
	r.native[id] = [2]bool{stop, trailing}
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Publish(e events.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) count(t events.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func newTestOrchestrator(gw *fakeGateway, reg *fakeRegistry, pub events.Publisher) *Orchestrator {
	sizer := risk.NewRiskManager(risk.Config{RiskPerTradePct: 1.5, Leverage: 5, MinNotional: 100, MinNotionalScale: 1.1})
	return New(gw, reg, sizer, Config{
		Symbol:                "BTC/USDT",
		Leverage:              5,
		StopLossPct:           0.02,
		TrailingActivationPct: 0.015,
		CallbackRatePct:       1.0,
		MaxEntryAttempts:      3,
		JoinTimeout:           time.Second,
	}, zerolog.Nop(), pub)
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestOpenSizingClampsToMinNotional(t *testing.T) {
	gw := &fakeGateway{price: 50, balance: 1000}
	reg := &fakeRegistry{}
	pub := &eventLog{}
	o := newTestOrchestrator(gw, reg, pub)

	res, err := o.Open(context.Background(), strategy.DecisionBuy)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(gw.market) != 1 || !almostEqual(gw.market[0].amount, 2.0) {
		t.Fatalf("Expected one entry of 2.0, got %+v", gw.market)
	}
	if gw.market[0].side != exchange.SideBuy || gw.market[0].reduceOnly {
		t.Errorf("Expected non reduce-only buy, got %+v", gw.market[0])
	}
	if res.StopOrder == nil || res.TrailingOrder == nil {
		t.Fatalf("Expected both native orders, got %+v", res)
	}
	if res.MonitorID != "" || len(reg.started) != 0 {
		t.Errorf("Expected no fallback monitor, got %q", res.MonitorID)
	}
	if !almostEqual(gw.stops[0], 49) {
		t.Errorf("Expected stop at 49, got %v", gw.stops[0])
	}
	if gw.trails[0] != 1.0 {
		t.Errorf("Expected callback 1.0, got %v", gw.trails[0])
	}
	if res.StopOrder.Side != exchange.SideSell || !res.StopOrder.ReduceOnly {
		t.Errorf("Expected reduce-only sell stop, got %+v", res.StopOrder)
	}
	if gw.leverage != 5 {
		t.Errorf("Expected leverage 5, got %d", gw.leverage)
	}
	if gw.cancels != 1 {
		t.Errorf("Expected stale orders cancelled once, got %d", gw.cancels)
	}
	if pub.count(events.EventPositionOpened) != 1 || pub.count(events.EventOrderPlaced) != 3 {
		t.Errorf("Unexpected events: opened=%d placed=%d",
			pub.count(events.EventPositionOpened), pub.count(events.EventOrderPlaced))
	}
}

func TestOpenFallsBackToMonitor(t *testing.T) {
	tests := []struct {
		name         string
		stopErr      error
		trailErr     error
		wantStop     bool
		wantTrailing bool
	}{
		{"stop refused", errors.New("stop refused"), nil, false, true},
		{"trailing refused", nil, errors.New("trailing refused"), true, false},
		{"both refused", errors.New("no"), errors.New("no"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &fakeGateway{price: 50, balance: 1000, stopErr: tt.stopErr, trailErr: tt.trailErr}
			reg := &fakeRegistry{}
			o := newTestOrchestrator(gw, reg, nil)

			res, err := o.Open(context.Background(), strategy.DecisionSell)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if res.MonitorID != "mon-1" || len(reg.started) != 1 {
				t.Fatalf("Expected fallback monitor, got %q", res.MonitorID)
			}
			p := reg.started[0]
			if p.Side != exchange.Short || p.EntryPrice != 50 || !almostEqual(p.Amount, 2.0) {
				t.Errorf("Unexpected monitor params: %+v", p)
			}
			if p.StopOrderCreated != tt.wantStop || p.TrailingOrderCreated != tt.wantTrailing {
				t.Errorf("Expected native flags %v/%v, got %v/%v",
					tt.wantStop, tt.wantTrailing, p.StopOrderCreated, p.TrailingOrderCreated)
			}
			if p.StopLossPct != 0.02 || p.TrailingActivationPct != 0.015 || p.CallbackRatePct != 1.0 {
				t.Errorf("Unexpected risk params: %+v", p)
			}
		})
	}
}

func TestOpenRetriesBelowMinNotional(t *testing.T) {
	gw := &fakeGateway{price: 50, balance: 1000, minNotional: 110}
	o := newTestOrchestrator(gw, &fakeRegistry{}, nil)

	res, err := o.Open(context.Background(), strategy.DecisionBuy)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res.Attempts != 2 || len(gw.market) != 2 {
		t.Fatalf("Expected 2 attempts, got %d", len(gw.market))
	}
	if !almostEqual(gw.market[0].amount, 2.0) || !almostEqual(gw.market[1].amount, 2.2) {
		t.Errorf("Expected amounts 2.0 then 2.2, got %v and %v", gw.market[0].amount, gw.market[1].amount)
	}
}

func TestOpenGivesUpAfterMaxAttempts(t *testing.T) {
	gw := &fakeGateway{price: 50, balance: 1000, minNotional: 1e9}
	reg := &fakeRegistry{}
	o := newTestOrchestrator(gw, reg, nil)

	_, err := o.Open(context.Background(), strategy.DecisionBuy)
	if !errors.Is(err, exchange.ErrBelowMinNotional) {
		t.Errorf("Expected ErrBelowMinNotional, got %v", err)
	}
	if len(gw.market) != 3 {
		t.Errorf("Expected 3 attempts, got %d", len(gw.market))
	}
	if len(reg.started) != 0 || len(gw.stops) != 0 {
		t.Error("Expected no protection after a failed entry")
	}
}

func TestOpenAbortsOnOtherRejections(t *testing.T) {
	gw := &fakeGateway{price: 50, balance: 1000, marketErr: fmt.Errorf("margin is insufficient: %w", exchange.ErrRejected)}
	o := newTestOrchestrator(gw, &fakeRegistry{}, nil)

	_, err := o.Open(context.Background(), strategy.DecisionBuy)
	if !errors.Is(err, exchange.ErrRejected) {
		t.Errorf("Expected ErrRejected, got %v", err)
	}
	if len(gw.market) != 1 {
		t.Errorf("Expected a single attempt, got %d", len(gw.market))
	}
}

func TestOpenRejectsNonEntryDecision(t *testing.T) {
	o := newTestOrchestrator(&fakeGateway{price: 50, balance: 1000}, &fakeRegistry{}, nil)
	if _, err := o.Open(context.Background(), strategy.DecisionHold); !errors.Is(err, ErrNotTradable) {
		t.Errorf("Expected ErrNotTradable, got %v", err)
	}
}

func TestCloseFlattensPosition(t *testing.T) {
	gw := &fakeGateway{price: 100, position: &exchange.Position{Side: exchange.Short, Amount: 1.5, EntryPrice: 100}}
	reg := &fakeRegistry{records: []monitor.Record{{ID: "a", Symbol: "BTCUSDT"}}}
	pub := &eventLog{}
	o := newTestOrchestrator(gw, reg, pub)

	res, err := o.Close(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res.Status != CloseStatusClosed {
		t.Errorf("Expected closed, got %s", res.Status)
	}
	if len(gw.market) != 1 || gw.market[0].side != exchange.SideBuy || gw.market[0].amount != 1.5 || !gw.market[0].reduceOnly {
		t.Errorf("Expected reduce-only buy of 1.5, got %+v", gw.market)
	}
	if len(reg.stopped) != 1 || len(reg.records) != 0 {
		t.Errorf("Expected monitors on the symbol to be stopped, got %v", reg.stopped)
	}
	if gw.cancels != 1 {
		t.Errorf("Expected orders cancelled, got %d", gw.cancels)
	}
	if pub.count(events.EventPositionClosed) != 1 {
		t.Error("Expected a POSITION_CLOSED event")
	}
}

func TestCloseNoPosition(t *testing.T) {
	gw := &fakeGateway{price: 100}
	o := newTestOrchestrator(gw, &fakeRegistry{}, nil)

	res, err := o.Close(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res.Status != CloseStatusNoPosition {
		t.Errorf("Expected no_position, got %s", res.Status)
	}
	if len(gw.market) != 0 {
		t.Error("Expected no order")
	}
}

func TestCloseReportsEveryFailedSpelling(t *testing.T) {
	gw := &fakeGateway{price: 100, positionErr: errors.New("timeout")}
	o := newTestOrchestrator(gw, &fakeRegistry{}, nil)

	res, err := o.Close(context.Background())
	if err == nil {
		t.Fatal("Expected error")
	}
	if res.Status != CloseStatusFailed {
		t.Errorf("Expected failed, got %s", res.Status)
	}
	if len(res.Attempts) != 3 {
		t.Fatalf("Expected 3 attempts, got %d", len(res.Attempts))
	}
	for _, a := range res.Attempts {
		if a.Error != "timeout" {
			t.Errorf("Expected attempt error, got %+v", a)
		}
	}
}

func TestExecuteDispatch(t *testing.T) {
	long := func() *exchange.Position {
		return &exchange.Position{Side: exchange.Long, Amount: 1, EntryPrice: 100}
	}

	tests := []struct {
		name       string
		position   *exchange.Position
		decision   strategy.Decision
		wantAction Action
		wantMarket []marketCall
		wantStops  []float64
	}{
		{"hold is a noop", long(), strategy.DecisionHold, ActionNone, nil, nil},
		{"wait is a noop", nil, strategy.DecisionWait, ActionNone, nil, nil},
		{"buy when flat opens", nil, strategy.DecisionBuy, ActionOpened,
			[]marketCall{{exchange.SideBuy, 2.0, false}}, []float64{49}},
		{"buy when long holds", long(), strategy.DecisionBuy, ActionNone, nil, nil},
		{"sell when long flips", long(), strategy.DecisionSell, ActionFlipped,
			[]marketCall{{exchange.SideSell, 1, true}, {exchange.SideSell, 2.0, false}}, []float64{51}},
		{"explicit flip", long(), strategy.DecisionFlipToShort, ActionFlipped,
			[]marketCall{{exchange.SideSell, 1, true}, {exchange.SideSell, 2.0, false}}, []float64{51}},
		{"update stop uses breakeven", long(), strategy.DecisionUpdateStopLoss, ActionStopUpdated, nil, []float64{100}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &fakeGateway{price: 50, balance: 1000, position: tt.position}
			o := newTestOrchestrator(gw, &fakeRegistry{}, nil)

			res, err := o.Execute(context.Background(), tt.decision)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if res.Action != tt.wantAction {
				t.Errorf("Expected action %s, got %s", tt.wantAction, res.Action)
			}
			if len(gw.market) != len(tt.wantMarket) {
				t.Fatalf("Expected %d market orders, got %+v", len(tt.wantMarket), gw.market)
			}
			for i, want := range tt.wantMarket {
				got := gw.market[i]
				if got.side != want.side || !almostEqual(got.amount, want.amount) || got.reduceOnly != want.reduceOnly {
					t.Errorf("Order %d: expected %+v, got %+v", i, want, got)
				}
			}
			if len(gw.stops) != len(tt.wantStops) {
				t.Fatalf("Expected stops %v, got %v", tt.wantStops, gw.stops)
			}
			for i, want := range tt.wantStops {
				if !almostEqual(gw.stops[i], want) {
					t.Errorf("Stop %d: expected %v, got %v", i, want, gw.stops[i])
				}
			}
		})
	}
}

func TestExecuteManagesHeldPosition(t *testing.T) {
	tests := []struct {
		name       string
		side       exchange.PositionSide
		price      float64
		decision   strategy.Decision
		wantAction Action
		wantStops  []float64
	}{
		{"long in profit tightens stop", exchange.Long, 102, strategy.DecisionBuy, ActionStopUpdated, []float64{100}},
		{"long below activation holds", exchange.Long, 101, strategy.DecisionBuy, ActionNone, nil},
		{"short in profit tightens stop", exchange.Short, 97, strategy.DecisionSell, ActionStopUpdated, []float64{100}},
		{"short in loss holds", exchange.Short, 103, strategy.DecisionSell, ActionNone, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &fakeGateway{price: tt.price, balance: 1000,
				position: &exchange.Position{Side: tt.side, Amount: 1, EntryPrice: 100}}
			o := newTestOrchestrator(gw, &fakeRegistry{}, nil)

			res, err := o.Execute(context.Background(), tt.decision)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if res.Action != tt.wantAction {
				t.Errorf("Expected action %s, got %s", tt.wantAction, res.Action)
			}
			if len(gw.market) != 0 {
				t.Errorf("Expected no market orders, got %+v", gw.market)
			}
			if len(gw.stops) != len(tt.wantStops) {
				t.Fatalf("Expected stops %v, got %v", tt.wantStops, gw.stops)
			}
			for i, want := range tt.wantStops {
				if !almostEqual(gw.stops[i], want) {
					t.Errorf("Stop %d: expected %v, got %v", i, want, gw.stops[i])
				}
			}
		})
	}
}

func TestEntryStopsLeftoverMonitors(t *testing.T) {
	gw := &fakeGateway{price: 50, balance: 1000}
	reg := &fakeRegistry{records: []monitor.Record{
		{ID: "old", Symbol: "BTC/USDT", Side: exchange.Long, EntryPrice: 100, Amount: 1},
	}}
	o := newTestOrchestrator(gw, reg, nil)

	res, err := o.Execute(context.Background(), strategy.DecisionBuy)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res.Action != ActionOpened {
		t.Fatalf("Expected opened, got %s", res.Action)
	}
	if len(reg.stopped) != 1 || reg.stopped[0] != "BTC/USDT" {
		t.Errorf("Expected one StopSymbol call for BTC/USDT, got %v", reg.stopped)
	}
	if _, err := reg.Status("old"); !errors.Is(err, monitor.ErrMonitorNotFound) {
		t.Errorf("Expected leftover monitor to be gone, got %v", err)
	}
	if len(gw.market) != 1 {
		t.Errorf("Expected the entry order after stopping, got %+v", gw.market)
	}
}

func TestEntryAbortsWhenLeftoverMonitorWontStop(t *testing.T) {
	gw := &fakeGateway{price: 50, balance: 1000}
	reg := &fakeRegistry{
		records: []monitor.Record{{ID: "old", Symbol: "BTCUSDT", Side: exchange.Long, EntryPrice: 100, Amount: 1}},
		stopErr: monitor.ErrJoinTimeout,
	}
	o := newTestOrchestrator(gw, reg, nil)

	if _, err := o.Open(context.Background(), strategy.DecisionBuy); !errors.Is(err, monitor.ErrJoinTimeout) {
		t.Fatalf("Expected ErrJoinTimeout, got %v", err)
	}
	if len(gw.market) != 0 {
		t.Errorf("Expected no entry order, got %+v", gw.market)
	}
}

func TestEntryWithoutMonitorsSkipsStop(t *testing.T) {
	gw := &fakeGateway{price: 50, balance: 1000}
	reg := &fakeRegistry{}
	o := newTestOrchestrator(gw, reg, nil)

	if _, err := o.Open(context.Background(), strategy.DecisionBuy); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(reg.stopped) != 0 {
		t.Errorf("Expected no StopSymbol call, got %v", reg.stopped)
	}
}

func TestUpdateStopLossFallsBackToMonitor(t *testing.T) {
	gw := &fakeGateway{
		price:    105,
		position: &exchange.Position{Side: exchange.Long, Amount: 1, EntryPrice: 100},
		stopErr:  errors.New("would immediately trigger"),
	}
	reg := &fakeRegistry{}
	o := newTestOrchestrator(gw, reg, nil)

	res, err := o.UpdateStopLoss(context.Background(), 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res.StopPrice != 100 {
		t.Errorf("Expected breakeven 100, got %v", res.StopPrice)
	}
	if res.MonitorID == "" || len(reg.started) != 1 {
		t.Fatal("Expected a fallback monitor")
	}
	if reg.started[0].StopOrderCreated || !reg.started[0].TrailingOrderCreated {
		t.Errorf("Unexpected native flags: %+v", reg.started[0])
	}
}

func TestUpdateStopLossKeepsExistingMonitor(t *testing.T) {
	gw := &fakeGateway{
		price:    105,
		position: &exchange.Position{Side: exchange.Long, Amount: 1, EntryPrice: 100},
		stopErr:  errors.New("refused"),
	}
	reg := &fakeRegistry{records: []monitor.Record{{ID: "existing", Symbol: "BTC/USDT", StopOrderCreated: true}}}
	o := newTestOrchestrator(gw, reg, nil)

	res, err := o.UpdateStopLoss(context.Background(), 102)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res.MonitorID != "existing" || len(reg.started) != 0 {
		t.Errorf("Expected the running monitor to be reused, got %q", res.MonitorID)
	}
	if flags := reg.native["existing"]; flags != [2]bool{false, true} {
		t.Errorf("Expected native flags updated to false/true, got %v", flags)
	}
}

func TestUpdateStopLossWithoutPosition(t *testing.T) {
	o := newTestOrchestrator(&fakeGateway{price: 100}, &fakeRegistry{}, nil)
	if _, err := o.UpdateStopLoss(context.Background(), 0); !errors.Is(err, exchange.ErrNoPosition) {
		t.Errorf("Expected ErrNoPosition, got %v", err)
	}
}

func TestStatusPanel(t *testing.T) {
	gw := &fakeGateway{price: 100, position: &exchange.Position{Side: exchange.Long, Amount: 0.5, EntryPrice: 100}}
	reg := &fakeRegistry{records: []monitor.Record{
		{ID: "a", Symbol: "BTC/USDT", Side: exchange.Long, StopOrderCreated: true, TrailingActivated: true},
		{ID: "b", Symbol: "BTCUSDT", Side: exchange.Long},
	}}
	o := newTestOrchestrator(gw, reg, nil)

	rows, err := o.StatusPanel(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(rows))
	}
	if rows[0].State != "running" || rows[0].Stop != "native" || rows[0].Trailing != "activated" {
		t.Errorf("Unexpected first row: %+v", rows[0])
	}
	if rows[1].Stop != "local" || rows[1].Trailing != "waiting" {
		t.Errorf("Unexpected second row: %+v", rows[1])
	}
	if rows[0].Position != "long 0.5 @ 100" {
		t.Errorf("Expected position text, got %q", rows[0].Position)
	}
}

type panickyGateway struct{ *fakeGateway }

func (panickyGateway) GetPrice(ctx context.Context, symbol string) (float64, error) {
	panic("boom")
}

func TestOpenRecoversPanic(t *testing.T) {
	gw := panickyGateway{&fakeGateway{balance: 1000}}
	sizer := risk.NewRiskManager(risk.Config{RiskPerTradePct: 1, Leverage: 1, MinNotional: 5})
	o := New(gw, &fakeRegistry{}, sizer, Config{Symbol: "BTCUSDT"}, zerolog.Nop(), nil)

	if _, err := o.Open(context.Background(), strategy.DecisionBuy); !errors.Is(err, ErrFault) {
		t.Errorf("Expected ErrFault, got %v", err)
	}
}

func TestRiskMetrics(t *testing.T) {
	o := newTestOrchestrator(&fakeGateway{}, &fakeRegistry{}, nil)
	m := o.RiskMetrics()

	want := map[string]float64{
		"risk_per_trade_pct": 1.5,
		"min_notional":       100,
		"stop_loss_pct":      0.02,
		"callback_rate_pct":  1.0,
	}
	for key, v := range want {
		got, ok := m[key].(float64)
		if !ok || !almostEqual(got, v) {
			t.Errorf("Expected %s %v, got %v", key, v, m[key])
		}
	}
	if m["leverage"] != 5 {
		t.Errorf("Expected leverage 5, got %v", m["leverage"])
	}
}
