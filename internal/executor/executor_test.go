package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"bithumb-trader/internal/config"
	"bithumb-trader/internal/exchange"
	"bithumb-trader/internal/store"
	"bithumb-trader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeExchange acks orders without fills, like a dry-run client.
type fakeExchange struct {
	availableKRW float64
	buyErr       error
	sellErr      error
	sellFee      float64 // fee reported on sell acks
	buys         int
	sells        int
	lastSellQty  float64
}

func (f *fakeExchange) Balance(context.Context, types.Coin) (*exchange.Balance, error) {
	return &exchange.Balance{AvailableKRW: f.availableKRW}, nil
}

func (f *fakeExchange) MarketBuy(_ context.Context, coin types.Coin, _ float64) (*types.OrderAck, error) {
	if f.buyErr != nil {
		return nil, f.buyErr
	}
	f.buys++
	return &types.OrderAck{OrderID: "DRY_RUN", Coin: coin, Side: types.BUY}, nil
}

func (f *fakeExchange) MarketSell(_ context.Context, coin types.Coin, qty float64) (*types.OrderAck, error) {
	if f.sellErr != nil {
		return nil, f.sellErr
	}
	f.sells++
	f.lastSellQty = qty
	return &types.OrderAck{OrderID: "DRY_RUN", Coin: coin, Side: types.SELL, Qty: qty, Fee: f.sellFee}, nil
}

// events records published events and can observe store state at
// publish time, to pin the persist-before-notify ordering.
type events struct {
	kinds     []types.EventKind
	pnls      []float64
	onPublish func()
}

func (r *events) Publish(ev types.Event) {
	r.kinds = append(r.kinds, ev.Kind)
	r.pnls = append(r.pnls, ev.PnL)
	if r.onPublish != nil {
		r.onPublish()
	}
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Portfolio.BaseTradeKRW = 50000
	cfg.Portfolio.MinOrderKRW = 5000
	cfg.Strategy.ProfitTargetMode = "percent_based"
	cfg.Strategy.TP1Pct = 1.5
	cfg.Strategy.TP2Pct = 2.5
	cfg.Strategy.ChandelierMult = 3.0
	return cfg
}

func testExecutor(t *testing.T, cfg *config.Config, client Exchange, rec *events) (*Executor, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e := New(cfg, client, st, rec, testLogger())
	if err := e.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return e, st
}

func snapAt(price, atr float64) types.IndicatorSnapshot {
	return types.IndicatorSnapshot{
		Coin: "BTC", Price: price, ATR: atr,
		LastBar: types.Bar{High: price, Low: price, Close: price},
	}
}

var cycle = types.CycleContext{CycleID: "c-test"}

func closeTo(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestEnterOpensPositionAndLogs(t *testing.T) {
	t.Parallel()

	fx := &fakeExchange{availableKRW: 10_000_000}
	rec := &events{}
	e, st := testExecutor(t, testConfig(), fx, rec)

	intent := types.Intent{Coin: "BTC", Kind: types.IntentEnter, AmountKRW: 50000, Price: 100, Reason: "entry_score_3"}
	if err := e.Apply(context.Background(), cycle, intent, snapAt(100, 1)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	pos := e.Position("BTC")
	if pos == nil {
		t.Fatal("no position opened")
	}
	if !closeTo(pos.Size, 500) || pos.AvgEntryPrice != 100 {
		t.Errorf("position = %+v, want 500 @ 100", pos)
	}
	if pos.ChandelierStop != 97 {
		t.Errorf("stop = %v, want 97", pos.ChandelierStop)
	}
	if e.Counters().TradesToday != 1 {
		t.Errorf("trades_today = %d, want 1", e.Counters().TradesToday)
	}

	txns, err := st.LoadTransactions()
	if err != nil || len(txns) != 1 {
		t.Fatalf("transactions = %v, %v", txns, err)
	}
	if txns[0].Side != types.BUY || txns[0].CycleID != "c-test" || txns[0].OrderID != "DRY_RUN" {
		t.Errorf("txn = %+v", txns[0])
	}
	if len(rec.kinds) != 1 || rec.kinds[0] != types.EventTradeOpened {
		t.Errorf("events = %v", rec.kinds)
	}
}

func TestStatePersistsBeforeNotify(t *testing.T) {
	t.Parallel()

	fx := &fakeExchange{availableKRW: 10_000_000}
	rec := &events{}
	e, st := testExecutor(t, testConfig(), fx, rec)

	var sizeAtPublish float64 = -1
	rec.onPublish = func() {
		persisted, err := st.LoadPositions()
		if err != nil {
			t.Errorf("LoadPositions at publish: %v", err)
			return
		}
		if pos, ok := persisted["BTC"]; ok {
			sizeAtPublish = pos.Size
		}
	}

	intent := types.Intent{Coin: "BTC", Kind: types.IntentEnter, AmountKRW: 50000, Price: 100}
	if err := e.Apply(context.Background(), cycle, intent, snapAt(100, 1)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !closeTo(sizeAtPublish, 500) {
		t.Errorf("position on disk at notify time = %v, want 500", sizeAtPublish)
	}
}

// Entry at 100, half out at TP1 101.5, remainder at TP2 102.5:
// 250·1.5 + 250·2.5 = 1000 realized.
func TestEntryTP1TP2RealizesThousand(t *testing.T) {
	t.Parallel()

	fx := &fakeExchange{availableKRW: 10_000_000}
	rec := &events{}
	e, _ := testExecutor(t, testConfig(), fx, rec)
	ctx := context.Background()

	enter := types.Intent{Coin: "BTC", Kind: types.IntentEnter, AmountKRW: 50000, Price: 100, Reason: "entry_score_3"}
	if err := e.Apply(ctx, cycle, enter, snapAt(100, 1)); err != nil {
		t.Fatalf("enter: %v", err)
	}

	tp1 := types.Intent{Coin: "BTC", Kind: types.IntentPartialExit, Fraction: 0.5, Price: 101.5, Reason: "tp1"}
	if err := e.Apply(ctx, cycle, tp1, snapAt(101.5, 1)); err != nil {
		t.Fatalf("tp1: %v", err)
	}
	pos := e.Position("BTC")
	if pos == nil || !closeTo(pos.Size, 250) {
		t.Fatalf("after tp1: %+v", pos)
	}
	if !pos.FirstTargetHit {
		t.Error("tp1 not marked")
	}
	if pos.ChandelierStop != 100 {
		t.Errorf("stop = %v, want breakeven 100", pos.ChandelierStop)
	}
	if pos.PositionPct != 50 {
		t.Errorf("position pct = %v, want 50", pos.PositionPct)
	}

	tp2 := types.Intent{Coin: "BTC", Kind: types.IntentPartialExit, Fraction: 1.0, Price: 102.5, Reason: "tp2"}
	if err := e.Apply(ctx, cycle, tp2, snapAt(102.5, 1)); err != nil {
		t.Fatalf("tp2: %v", err)
	}
	if e.Position("BTC") != nil {
		t.Error("position not destroyed after tp2")
	}

	c := e.Counters()
	if !closeTo(c.RealizedPnLToday, 1000) {
		t.Errorf("realized = %v, want 1000", c.RealizedPnLToday)
	}
	if c.TradesToday != 3 {
		t.Errorf("trades = %d, want 3", c.TradesToday)
	}
	if c.ConsecutiveLosses != 0 {
		t.Errorf("consecutive losses = %d, want 0 after a win", c.ConsecutiveLosses)
	}

	want := []types.EventKind{types.EventTradeOpened, types.EventPartialExit, types.EventFullExit}
	if len(rec.kinds) != 3 || rec.kinds[0] != want[0] || rec.kinds[1] != want[1] || rec.kinds[2] != want[2] {
		t.Errorf("events = %v, want %v", rec.kinds, want)
	}
	if !closeTo(rec.pnls[1], 375) || !closeTo(rec.pnls[2], 625) {
		t.Errorf("pnl events = %v, want [0 375 625]", rec.pnls)
	}
}

func TestPyramidAddsLot(t *testing.T) {
	t.Parallel()

	fx := &fakeExchange{availableKRW: 10_000_000}
	e, _ := testExecutor(t, testConfig(), fx, &events{})
	ctx := context.Background()

	enter := types.Intent{Coin: "BTC", Kind: types.IntentEnter, AmountKRW: 50000, Price: 100}
	if err := e.Apply(ctx, cycle, enter, snapAt(100, 1)); err != nil {
		t.Fatalf("enter: %v", err)
	}
	add := types.Intent{Coin: "BTC", Kind: types.IntentPyramid, AmountKRW: 25000, Price: 98, Reason: "pyramid_score_3"}
	if err := e.Apply(ctx, cycle, add, snapAt(98, 1)); err != nil {
		t.Fatalf("pyramid: %v", err)
	}

	pos := e.Position("BTC")
	if pos.EntryCount != 2 || len(pos.EntryLots) != 2 {
		t.Errorf("lots = %+v", pos)
	}
	wantAvg := (500*100.0 + (25000/98.0)*98.0) / (500 + 25000/98.0)
	if !closeTo(pos.AvgEntryPrice, wantAvg) {
		t.Errorf("avg = %v, want %v", pos.AvgEntryPrice, wantAvg)
	}
}

func TestBuyBelowMinimumIsSkipped(t *testing.T) {
	t.Parallel()

	fx := &fakeExchange{availableKRW: 10_000_000}
	rec := &events{}
	e, _ := testExecutor(t, testConfig(), fx, rec)

	intent := types.Intent{Coin: "BTC", Kind: types.IntentEnter, AmountKRW: 4999, Price: 100}
	if err := e.Apply(context.Background(), cycle, intent, snapAt(100, 1)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if fx.buys != 0 || e.Position("BTC") != nil || len(rec.kinds) != 0 {
		t.Error("skipped intent must leave no trace")
	}
}

func TestInsufficientBalanceSkipsBuy(t *testing.T) {
	t.Parallel()

	fx := &fakeExchange{availableKRW: 10000}
	e, _ := testExecutor(t, testConfig(), fx, &events{})

	intent := types.Intent{Coin: "BTC", Kind: types.IntentEnter, AmountKRW: 50000, Price: 100}
	if err := e.Apply(context.Background(), cycle, intent, snapAt(100, 1)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if fx.buys != 0 || e.Position("BTC") != nil {
		t.Error("buy dispatched despite insufficient balance")
	}
}

func TestEmergencyStopBlocksBuysNotSells(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	fx := &fakeExchange{availableKRW: 10_000_000}
	e, _ := testExecutor(t, cfg, fx, &events{})
	ctx := context.Background()

	enter := types.Intent{Coin: "BTC", Kind: types.IntentEnter, AmountKRW: 50000, Price: 100}
	if err := e.Apply(ctx, cycle, enter, snapAt(100, 1)); err != nil {
		t.Fatalf("enter: %v", err)
	}

	e.emergencyStop = true
	if err := e.Apply(ctx, cycle, enter, snapAt(100, 1)); err != nil {
		t.Fatalf("blocked enter: %v", err)
	}
	if fx.buys != 1 {
		t.Errorf("buys = %d, want 1 (second blocked)", fx.buys)
	}

	exit := types.Intent{Coin: "BTC", Kind: types.IntentFullExit, Price: 99, Reason: "stop"}
	if err := e.Apply(ctx, cycle, exit, snapAt(99, 1)); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if fx.sells != 1 || e.Position("BTC") != nil {
		t.Error("exit must dispatch under emergency stop")
	}
}

func TestOrderFailurePublishesErrorAndKeepsState(t *testing.T) {
	t.Parallel()

	fx := &fakeExchange{availableKRW: 10_000_000, buyErr: errors.New("code 5300: invalid apikey")}
	rec := &events{}
	e, _ := testExecutor(t, testConfig(), fx, rec)

	intent := types.Intent{Coin: "BTC", Kind: types.IntentEnter, AmountKRW: 50000, Price: 100}
	err := e.Apply(context.Background(), cycle, intent, snapAt(100, 1))
	if err == nil {
		t.Fatal("order failure must surface")
	}
	if e.Position("BTC") != nil || e.Counters().TradesToday != 0 {
		t.Error("failed order mutated state")
	}
	if len(rec.kinds) != 1 || rec.kinds[0] != types.EventError {
		t.Errorf("events = %v, want one error", rec.kinds)
	}
}

func TestPartialExitSellsDustRemainder(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	fx := &fakeExchange{availableKRW: 10_000_000}
	e, _ := testExecutor(t, cfg, fx, &events{})
	ctx := context.Background()

	// 6000 KRW position: half would leave 3000 KRW of dust, under the
	// 5000 KRW minimum.
	enter := types.Intent{Coin: "XRP", Kind: types.IntentEnter, AmountKRW: 6000, Price: 100}
	if err := e.Apply(ctx, cycle, enter, snapAt(100, 1)); err != nil {
		t.Fatalf("enter: %v", err)
	}
	tp1 := types.Intent{Coin: "XRP", Kind: types.IntentPartialExit, Fraction: 0.5, Price: 101.5, Reason: "tp1"}
	if err := e.Apply(ctx, cycle, tp1, snapAt(101.5, 1)); err != nil {
		t.Fatalf("tp1: %v", err)
	}
	if !closeTo(fx.lastSellQty, 60) {
		t.Errorf("sold %v, want the whole 60 units", fx.lastSellQty)
	}
	if e.Position("XRP") != nil {
		t.Error("dust position left open")
	}
}

func TestHoldAdvancesTrailAndPersists(t *testing.T) {
	t.Parallel()

	fx := &fakeExchange{availableKRW: 10_000_000}
	e, st := testExecutor(t, testConfig(), fx, &events{})
	ctx := context.Background()

	enter := types.Intent{Coin: "BTC", Kind: types.IntentEnter, AmountKRW: 50000, Price: 100}
	if err := e.Apply(ctx, cycle, enter, snapAt(100, 1)); err != nil {
		t.Fatalf("enter: %v", err)
	}

	hold := types.Intent{Coin: "BTC", Kind: types.IntentHold}
	snap := snapAt(109, 1)
	snap.LastBar.High = 110
	if err := e.Apply(ctx, cycle, hold, snap); err != nil {
		t.Fatalf("hold: %v", err)
	}

	if got := e.Position("BTC").ChandelierStop; got != 107 {
		t.Errorf("stop = %v, want 110 - 3*1 = 107", got)
	}
	persisted, err := st.LoadPositions()
	if err != nil {
		t.Fatalf("LoadPositions: %v", err)
	}
	if persisted["BTC"].ChandelierStop != 107 {
		t.Error("trail update not persisted")
	}
}

// A held coin answered by a short candle response arrives as a hold
// with an empty snapshot; the stop must not move off it.
func TestWarmupHoldLeavesStopAlone(t *testing.T) {
	t.Parallel()

	fx := &fakeExchange{availableKRW: 10_000_000}
	e, _ := testExecutor(t, testConfig(), fx, &events{})
	ctx := context.Background()

	enter := types.Intent{Coin: "BTC", Kind: types.IntentEnter, AmountKRW: 50000, Price: 100}
	if err := e.Apply(ctx, cycle, enter, snapAt(100, 1)); err != nil {
		t.Fatalf("enter: %v", err)
	}

	hold := types.Intent{Coin: "BTC", Kind: types.IntentHold}
	if err := e.Apply(ctx, cycle, hold, types.IndicatorSnapshot{Coin: "BTC"}); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if got := e.Position("BTC").ChandelierStop; got != 97 {
		t.Errorf("stop = %v, want 97 untouched by an empty snapshot", got)
	}
}

func TestExchangeReportedFeeReducesRealized(t *testing.T) {
	t.Parallel()

	fx := &fakeExchange{availableKRW: 10_000_000, sellFee: 51}
	e, st := testExecutor(t, testConfig(), fx, &events{})
	ctx := context.Background()

	enter := types.Intent{Coin: "BTC", Kind: types.IntentEnter, AmountKRW: 50000, Price: 100}
	if err := e.Apply(ctx, cycle, enter, snapAt(100, 1)); err != nil {
		t.Fatalf("enter: %v", err)
	}
	exit := types.Intent{Coin: "BTC", Kind: types.IntentFullExit, Price: 102, Reason: "stop"}
	if err := e.Apply(ctx, cycle, exit, snapAt(102, 1)); err != nil {
		t.Fatalf("exit: %v", err)
	}

	// 500 units, 2 KRW gross each, minus the 51 KRW fill fee.
	if got := e.Counters().RealizedPnLToday; !closeTo(got, 949) {
		t.Errorf("realized = %v, want 949", got)
	}
	txns, err := st.LoadTransactions()
	if err != nil || len(txns) != 2 {
		t.Fatalf("transactions = %v, %v", txns, err)
	}
	if !closeTo(txns[1].Fee, 51) {
		t.Errorf("sell txn fee = %v, want 51", txns[1].Fee)
	}
}

func TestFeeFallsBackToConfiguredRate(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Exchange.FeeRate = 0.001
	fx := &fakeExchange{availableKRW: 10_000_000}
	e, st := testExecutor(t, cfg, fx, &events{})
	ctx := context.Background()

	enter := types.Intent{Coin: "BTC", Kind: types.IntentEnter, AmountKRW: 50000, Price: 100}
	if err := e.Apply(ctx, cycle, enter, snapAt(100, 1)); err != nil {
		t.Fatalf("enter: %v", err)
	}
	exit := types.Intent{Coin: "BTC", Kind: types.IntentFullExit, Price: 102, Reason: "stop"}
	if err := e.Apply(ctx, cycle, exit, snapAt(102, 1)); err != nil {
		t.Fatalf("exit: %v", err)
	}

	// 500·2 gross minus 102·500·0.001 = 51 KRW estimated fee.
	if got := e.Counters().RealizedPnLToday; !closeTo(got, 949) {
		t.Errorf("realized = %v, want 949", got)
	}
	txns, err := st.LoadTransactions()
	if err != nil || len(txns) != 2 {
		t.Fatalf("transactions = %v, %v", txns, err)
	}
	if !closeTo(txns[0].Fee, 50) {
		t.Errorf("buy txn fee = %v, want 100·500·0.001 = 50", txns[0].Fee)
	}
	if !closeTo(txns[1].Fee, 51) {
		t.Errorf("sell txn fee = %v, want 51", txns[1].Fee)
	}
}

func TestLosingExitCountsConsecutiveLosses(t *testing.T) {
	t.Parallel()

	fx := &fakeExchange{availableKRW: 10_000_000}
	e, _ := testExecutor(t, testConfig(), fx, &events{})
	ctx := context.Background()

	for i, coin := range []types.Coin{"BTC", "ETH"} {
		enter := types.Intent{Coin: coin, Kind: types.IntentEnter, AmountKRW: 50000, Price: 100}
		if err := e.Apply(ctx, cycle, enter, snapAt(100, 1)); err != nil {
			t.Fatalf("enter %d: %v", i, err)
		}
		exit := types.Intent{Coin: coin, Kind: types.IntentFullExit, Price: 97, Reason: "stop"}
		if err := e.Apply(ctx, cycle, exit, snapAt(97, 1)); err != nil {
			t.Fatalf("exit %d: %v", i, err)
		}
	}
	if got := e.Counters().ConsecutiveLosses; got != 2 {
		t.Errorf("consecutive losses = %d, want 2", got)
	}
	if !closeTo(e.Counters().RealizedPnLToday, -3000) {
		t.Errorf("realized = %v, want -3000", e.Counters().RealizedPnLToday)
	}
}

func TestCredentialFailureLatchesUntilRestart(t *testing.T) {
	t.Parallel()

	fx := &fakeExchange{availableKRW: 10_000_000, buyErr: &exchange.APIError{Code: exchange.CodeAuthFailed, Message: "Invalid Apikey"}}
	rec := &events{}
	e, _ := testExecutor(t, testConfig(), fx, rec)
	ctx := context.Background()

	intent := types.Intent{Coin: "BTC", Kind: types.IntentEnter, AmountKRW: 50000, Price: 100}
	if err := e.Apply(ctx, cycle, intent, snapAt(100, 1)); err == nil {
		t.Fatal("auth failure must surface")
	}

	// Subsequent orders are skipped without touching the exchange.
	fx.buyErr = nil
	if err := e.Apply(ctx, cycle, intent, snapAt(100, 1)); err != nil {
		t.Fatalf("latched apply: %v", err)
	}
	if fx.buys != 0 {
		t.Errorf("buys = %d, want 0 while latched", fx.buys)
	}
	if len(rec.kinds) != 1 || rec.kinds[0] != types.EventError {
		t.Errorf("events = %v, want a single error", rec.kinds)
	}
}

// Every credential-class code must latch, not just an invalid API key.
func TestAllAuthCodesLatch(t *testing.T) {
	t.Parallel()

	for _, code := range []string{"5100", "5200", "5300", "5600"} {
		code := code
		t.Run(code, func(t *testing.T) {
			t.Parallel()

			fx := &fakeExchange{availableKRW: 10_000_000, buyErr: &exchange.APIError{Code: code}}
			e, _ := testExecutor(t, testConfig(), fx, &events{})
			ctx := context.Background()

			intent := types.Intent{Coin: "BTC", Kind: types.IntentEnter, AmountKRW: 50000, Price: 100}
			if err := e.Apply(ctx, cycle, intent, snapAt(100, 1)); err == nil {
				t.Fatal("auth failure must surface")
			}

			fx.buyErr = nil
			if err := e.Apply(ctx, cycle, intent, snapAt(100, 1)); err != nil {
				t.Fatalf("latched apply: %v", err)
			}
			if fx.buys != 0 {
				t.Errorf("buys = %d, want 0 while latched on %s", fx.buys, code)
			}
		})
	}
}

func TestRolloverArchivesAndResets(t *testing.T) {
	t.Parallel()

	fx := &fakeExchange{availableKRW: 10_000_000}
	e, st := testExecutor(t, testConfig(), fx, &events{})

	e.mu.Lock()
	e.counters = types.DailyCounters{Date: "2026-08-23", TradesToday: 5, RealizedPnLToday: -100, ConsecutiveLosses: 1}
	e.mu.Unlock()

	old, err := e.Rollover("2026-08-24")
	if err != nil {
		t.Fatalf("Rollover: %v", err)
	}
	if old.TradesToday != 5 || old.Date != "2026-08-23" {
		t.Errorf("archived = %+v", old)
	}
	fresh := e.Counters()
	if fresh.Date != "2026-08-24" || fresh.TradesToday != 0 || fresh.ConsecutiveLosses != 0 {
		t.Errorf("fresh counters = %+v", fresh)
	}
	if loaded, _ := st.LoadCounters(); loaded.Date != "2026-08-24" {
		t.Errorf("persisted counters = %+v", loaded)
	}
}
