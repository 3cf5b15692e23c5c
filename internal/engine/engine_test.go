package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"tqqqbot/internal/broker"
	"tqqqbot/internal/config"
	"tqqqbot/internal/journal"
	"tqqqbot/internal/md"
	"tqqqbot/internal/notify"
	"tqqqbot/internal/risk"
	"tqqqbot/internal/signals"
)

type fakeSignalSource struct {
	eval signals.Evaluation
	err  error
}

func (f *fakeSignalSource) Evaluate(ctx context.Context, symbol string) (signals.Evaluation, error) {
	if f.err != nil {
		return signals.Evaluation{}, f.err
	}
	return f.eval, nil
}

type fakeSizer struct {
	fraction float64
	boom     bool
}

func (f *fakeSizer) Fraction(returns []float64) float64 {
	if f.boom {
		panic("sizer exploded")
	}
	return f.fraction
}

type fakeBroker struct {
	positions    []broker.Position
	positionsErr error
	buyingPower  float64
	bpErr        error
	placeErr     error
	closeErr     map[string]error
	fillPrice    float64
	placed       []broker.OrderIntent
	closed       []string
	calls        int
}

func (f *fakeBroker) GetPositions(ctx context.Context) ([]broker.Position, error) {
	f.calls++
	if f.positionsErr != nil {
		return nil, f.positionsErr
	}
	return f.positions, nil
}

func (f *fakeBroker) GetBuyingPower(ctx context.Context) (float64, error) {
	f.calls++
	if f.bpErr != nil {
		return 0, f.bpErr
	}
	return f.buyingPower, nil
}

func (f *fakeBroker) PlaceOrder(ctx context.Context, intent broker.OrderIntent) (broker.Order, error) {
	f.calls++
	f.placed = append(f.placed, intent)
	if f.placeErr != nil {
		return broker.Order{}, f.placeErr
	}
	return broker.Order{ID: fmt.Sprintf("order-%d", len(f.placed)), Status: "filled", FilledPrice: f.fillPrice}, nil
}

func (f *fakeBroker) ClosePosition(ctx context.Context, symbol string) (broker.Order, error) {
	f.calls++
	f.closed = append(f.closed, symbol)
	if err := f.closeErr[symbol]; err != nil {
		return broker.Order{}, err
	}
	return broker.Order{ID: "close-" + symbol, Status: "filled", FilledPrice: f.fillPrice}, nil
}

type fakeJournal struct {
	records   []journal.Record
	exists    bool
	existsErr error
	appendErr error
}

func (f *fakeJournal) Append(ctx context.Context, rec journal.Record) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeJournal) Exists(ctx context.Context, date, symbol string) (bool, error) {
	return f.exists, f.existsErr
}

func (f *fakeJournal) Close() error { return nil }

type fakeNotifier struct {
	messages   []string
	severities []notify.Severity
	err        error
}

func (f *fakeNotifier) Send(ctx context.Context, message string, severity notify.Severity) error {
	f.messages = append(f.messages, message)
	f.severities = append(f.severities, severity)
	return f.err
}

type fakeStopLoss struct {
	plan risk.Plan
	err  error
}

func (f *fakeStopLoss) PlanFor(ctx context.Context, symbol string, entryPrice float64, side risk.Side) (risk.Plan, error) {
	if f.err != nil {
		return risk.Plan{}, f.err
	}
	return f.plan, nil
}

func (f *fakeStopLoss) Name() string { return "fake" }

func testConfig() config.Config {
	return config.Config{
		Symbol:          "TQQQ",
		ReservedBuffer:  0.05,
		ProviderTimeout: time.Second,
		BrokerTimeout:   time.Second,
	}
}

func evalWith(signal signals.Signal) signals.Evaluation {
	return signals.Evaluation{
		Symbol:   "TQQQ",
		Signal:   signal,
		Price:    100,
		EMAShort: 99,
		EMALong:  97,
		AsOf:     time.Now().UTC(),
		Series:   md.Series{{Close: 98}, {Close: 99}, {Close: 100}},
	}
}

func TestRunCycleBullishLiquidatesThenBuys(t *testing.T) {
	b := &fakeBroker{
		positions:   []broker.Position{{Symbol: "AAPL", Qty: 5, AvgEntryPrice: 180}},
		buyingPower: 10000,
		fillPrice:   100.5,
	}
	store := &fakeJournal{}
	notifier := &fakeNotifier{}
	eng := New(testConfig(), &fakeSignalSource{eval: evalWith(signals.Bullish)}, &fakeSizer{fraction: 0.5}, nil, b, store, notifier, nil)

	result := eng.RunCycle(context.Background())
	if result.Outcome != TradeExecuted {
		t.Fatalf("expected outcome %s, got %s (err %v)", TradeExecuted, result.Outcome, result.Err)
	}
	if len(b.closed) != 1 || b.closed[0] != "AAPL" {
		t.Fatalf("expected one AAPL liquidation, got %v", b.closed)
	}
	if len(b.placed) != 1 {
		t.Fatalf("expected one order, got %d", len(b.placed))
	}
	intent := b.placed[0]
	if intent.Symbol != "TQQQ" || intent.Side != broker.Buy {
		t.Fatalf("expected TQQQ buy, got %s %s", intent.Symbol, intent.Side)
	}
	// 10000 * 0.95 * 0.5 / 100 = 47.5, floored
	if intent.Qty != 47 {
		t.Fatalf("expected qty 47, got %d", intent.Qty)
	}
	if len(store.records) != 2 {
		t.Fatalf("expected 2 journal records, got %d", len(store.records))
	}
	sell, buy := store.records[0], store.records[1]
	if sell.Symbol != "AAPL" || sell.Action != journal.ActionSell || sell.Status != journal.StatusExecuted {
		t.Fatalf("unexpected sell record %+v", sell)
	}
	if buy.Symbol != "TQQQ" || buy.Action != journal.ActionBuy || buy.Quantity != 47 {
		t.Fatalf("unexpected buy record %+v", buy)
	}
	if buy.Price != 100.5 {
		t.Fatalf("expected buy price 100.5, got %v", buy.Price)
	}
	if len(notifier.severities) != 1 || notifier.severities[0] != notify.SeverityInfo {
		t.Fatalf("expected one info notification, got %v", notifier.severities)
	}
}

func TestRunCycleBullishAlreadyPositioned(t *testing.T) {
	b := &fakeBroker{
		positions:   []broker.Position{{Symbol: "TQQQ", Qty: 10, AvgEntryPrice: 90}},
		buyingPower: 10000,
	}
	store := &fakeJournal{}
	eng := New(testConfig(), &fakeSignalSource{eval: evalWith(signals.Bullish)}, &fakeSizer{fraction: 0.5}, nil, b, store, &fakeNotifier{}, nil)

	result := eng.RunCycle(context.Background())
	if result.Outcome != NoAction {
		t.Fatalf("expected outcome %s, got %s", NoAction, result.Outcome)
	}
	if len(b.placed) != 0 || len(b.closed) != 0 {
		t.Fatalf("expected no orders, got placed=%d closed=%d", len(b.placed), len(b.closed))
	}
	if len(store.records) != 0 {
		t.Fatalf("expected no journal records, got %d", len(store.records))
	}
}

func TestRunCycleBullishAllocationBelowOneShare(t *testing.T) {
	b := &fakeBroker{
		positions:   []broker.Position{{Symbol: "AAPL", Qty: 5, AvgEntryPrice: 180}},
		buyingPower: 150,
	}
	eng := New(testConfig(), &fakeSignalSource{eval: evalWith(signals.Bullish)}, &fakeSizer{fraction: 0.5}, nil, b, &fakeJournal{}, &fakeNotifier{}, nil)

	result := eng.RunCycle(context.Background())
	if result.Outcome != NoAction {
		t.Fatalf("expected outcome %s, got %s", NoAction, result.Outcome)
	}
	if len(b.closed) != 0 {
		t.Fatalf("expected no liquidations when entry is skipped, got %v", b.closed)
	}
	if len(b.placed) != 0 {
		t.Fatalf("expected no orders, got %d", len(b.placed))
	}
}

func TestRunCycleBearishClosesPosition(t *testing.T) {
	b := &fakeBroker{
		positions: []broker.Position{{Symbol: "TQQQ", Qty: 10, AvgEntryPrice: 90}},
		fillPrice: 101.25,
	}
	store := &fakeJournal{}
	notifier := &fakeNotifier{}
	eng := New(testConfig(), &fakeSignalSource{eval: evalWith(signals.Bearish)}, &fakeSizer{fraction: 0.5}, nil, b, store, notifier, nil)

	result := eng.RunCycle(context.Background())
	if result.Outcome != TradeExecuted {
		t.Fatalf("expected outcome %s, got %s (err %v)", TradeExecuted, result.Outcome, result.Err)
	}
	if len(b.closed) != 1 || b.closed[0] != "TQQQ" {
		t.Fatalf("expected TQQQ close, got %v", b.closed)
	}
	if len(b.placed) != 0 {
		t.Fatalf("expected no new orders, got %d", len(b.placed))
	}
	if len(store.records) != 1 {
		t.Fatalf("expected 1 journal record, got %d", len(store.records))
	}
	rec := store.records[0]
	if rec.Action != journal.ActionSell || rec.Quantity != 10 || rec.Price != 101.25 {
		t.Fatalf("unexpected sell record %+v", rec)
	}
}

func TestRunCycleBearishWithoutPosition(t *testing.T) {
	b := &fakeBroker{positions: []broker.Position{{Symbol: "AAPL", Qty: 3, AvgEntryPrice: 180}}}
	store := &fakeJournal{}
	eng := New(testConfig(), &fakeSignalSource{eval: evalWith(signals.Bearish)}, &fakeSizer{fraction: 0.5}, nil, b, store, &fakeNotifier{}, nil)

	result := eng.RunCycle(context.Background())
	if result.Outcome != NoAction {
		t.Fatalf("expected outcome %s, got %s", NoAction, result.Outcome)
	}
	if len(b.closed) != 0 {
		t.Fatalf("bearish without a holding must not sell other symbols, got %v", b.closed)
	}
	if len(store.records) != 0 {
		t.Fatalf("expected no journal records, got %d", len(store.records))
	}
}

func TestRunCycleNeutralTouchesNothing(t *testing.T) {
	b := &fakeBroker{}
	store := &fakeJournal{}
	notifier := &fakeNotifier{}
	eng := New(testConfig(), &fakeSignalSource{eval: evalWith(signals.Neutral)}, &fakeSizer{fraction: 0.5}, nil, b, store, notifier, nil)

	result := eng.RunCycle(context.Background())
	if result.Outcome != NoAction {
		t.Fatalf("expected outcome %s, got %s", NoAction, result.Outcome)
	}
	if b.calls != 0 {
		t.Fatalf("expected zero broker calls on neutral, got %d", b.calls)
	}
	if len(store.records) != 0 {
		t.Fatalf("expected no journal records, got %d", len(store.records))
	}
	if len(notifier.messages) != 0 {
		t.Fatalf("expected no notifications, got %v", notifier.messages)
	}
}

func TestRunCycleSignalFailure(t *testing.T) {
	b := &fakeBroker{}
	store := &fakeJournal{}
	notifier := &fakeNotifier{}
	eng := New(testConfig(), &fakeSignalSource{err: errors.New("provider down")}, &fakeSizer{fraction: 0.5}, nil, b, store, notifier, nil)

	result := eng.RunCycle(context.Background())
	if result.Outcome != Failed || result.Kind != FailureData {
		t.Fatalf("expected failed/data, got %s/%s", result.Outcome, result.Kind)
	}
	if b.calls != 0 {
		t.Fatalf("expected zero broker calls, got %d", b.calls)
	}
	if len(store.records) != 1 {
		t.Fatalf("expected 1 failure record, got %d", len(store.records))
	}
	rec := store.records[0]
	if rec.Action != journal.ActionNone || rec.Status != journal.StatusFailed {
		t.Fatalf("unexpected failure record %+v", rec)
	}
	if len(notifier.severities) != 1 || notifier.severities[0] != notify.SeverityError {
		t.Fatalf("expected one error notification, got %v", notifier.severities)
	}
}

func TestRunCycleBrokerTimeoutKind(t *testing.T) {
	b := &fakeBroker{positionsErr: fmt.Errorf("rpc: %w", context.DeadlineExceeded)}
	eng := New(testConfig(), &fakeSignalSource{eval: evalWith(signals.Bullish)}, &fakeSizer{fraction: 0.5}, nil, b, &fakeJournal{}, &fakeNotifier{}, nil)

	result := eng.RunCycle(context.Background())
	if result.Outcome != Failed || result.Kind != FailureTimeout {
		t.Fatalf("expected failed/timeout, got %s/%s", result.Outcome, result.Kind)
	}
}

func TestRunCycleLiquidationFailureContinues(t *testing.T) {
	b := &fakeBroker{
		positions: []broker.Position{
			{Symbol: "AAPL", Qty: 5, AvgEntryPrice: 180},
			{Symbol: "MSFT", Qty: 2, AvgEntryPrice: 400},
		},
		buyingPower: 10000,
		closeErr:    map[string]error{"AAPL": errors.New("halted")},
		fillPrice:   100,
	}
	store := &fakeJournal{}
	eng := New(testConfig(), &fakeSignalSource{eval: evalWith(signals.Bullish)}, &fakeSizer{fraction: 0.5}, nil, b, store, &fakeNotifier{}, nil)

	result := eng.RunCycle(context.Background())
	if result.Outcome != TradeExecuted {
		t.Fatalf("expected outcome %s, got %s (err %v)", TradeExecuted, result.Outcome, result.Err)
	}
	if len(b.closed) != 2 {
		t.Fatalf("expected both liquidations attempted, got %v", b.closed)
	}
	if len(b.placed) != 1 {
		t.Fatalf("expected the entry order despite a failed liquidation, got %d", len(b.placed))
	}
	if len(store.records) != 3 {
		t.Fatalf("expected 3 journal records, got %d", len(store.records))
	}
	if store.records[0].Status != journal.StatusFailed || store.records[0].Reason == "" {
		t.Fatalf("expected failed AAPL record with reason, got %+v", store.records[0])
	}
	if store.records[1].Status != journal.StatusExecuted {
		t.Fatalf("expected executed MSFT record, got %+v", store.records[1])
	}
}

func TestRunCycleBuyFailureAfterLiquidationIsCritical(t *testing.T) {
	b := &fakeBroker{
		positions:   []broker.Position{{Symbol: "AAPL", Qty: 5, AvgEntryPrice: 180}},
		buyingPower: 10000,
		placeErr:    errors.New("rejected"),
		fillPrice:   100,
	}
	store := &fakeJournal{}
	notifier := &fakeNotifier{}
	eng := New(testConfig(), &fakeSignalSource{eval: evalWith(signals.Bullish)}, &fakeSizer{fraction: 0.5}, nil, b, store, notifier, nil)

	result := eng.RunCycle(context.Background())
	if result.Outcome != Failed || result.Kind != FailureBroker {
		t.Fatalf("expected failed/broker, got %s/%s", result.Outcome, result.Kind)
	}
	if len(notifier.severities) != 1 || notifier.severities[0] != notify.SeverityCritical {
		t.Fatalf("expected critical notification after selling without buying, got %v", notifier.severities)
	}
	last := store.records[len(store.records)-1]
	if last.Action != journal.ActionBuy || last.Status != journal.StatusFailed {
		t.Fatalf("expected failed buy record, got %+v", last)
	}
}

func TestRunCycleBuyFailureWithoutLiquidation(t *testing.T) {
	b := &fakeBroker{
		buyingPower: 10000,
		placeErr:    errors.New("rejected"),
	}
	notifier := &fakeNotifier{}
	eng := New(testConfig(), &fakeSignalSource{eval: evalWith(signals.Bullish)}, &fakeSizer{fraction: 0.5}, nil, b, &fakeJournal{}, notifier, nil)

	result := eng.RunCycle(context.Background())
	if result.Outcome != Failed || result.Kind != FailureBroker {
		t.Fatalf("expected failed/broker, got %s/%s", result.Outcome, result.Kind)
	}
	if len(notifier.severities) != 1 || notifier.severities[0] != notify.SeverityError {
		t.Fatalf("expected error notification, got %v", notifier.severities)
	}
}

func TestRunCycleAttachesStopPlan(t *testing.T) {
	b := &fakeBroker{buyingPower: 10000, fillPrice: 100}
	store := &fakeJournal{}
	stop := &fakeStopLoss{plan: risk.Plan{StopPrice: 95, TargetPrice: 115, Strategy: "Percentage-Based (5.0%) [R:R 3.0:1]"}}
	eng := New(testConfig(), &fakeSignalSource{eval: evalWith(signals.Bullish)}, &fakeSizer{fraction: 0.5}, stop, b, store, &fakeNotifier{}, nil)

	result := eng.RunCycle(context.Background())
	if result.Outcome != TradeExecuted {
		t.Fatalf("expected outcome %s, got %s (err %v)", TradeExecuted, result.Outcome, result.Err)
	}
	intent := b.placed[0]
	if intent.Plan == nil || intent.Plan.StopPrice != 95 || intent.Plan.TargetPrice != 115 {
		t.Fatalf("expected plan attached to order, got %+v", intent.Plan)
	}
	rec := store.records[0]
	if rec.StopPrice != 95 || rec.TargetPrice != 115 || rec.Strategy == "" {
		t.Fatalf("expected plan in journal record, got %+v", rec)
	}
}

func TestRunCycleStopPlanFailureDegrades(t *testing.T) {
	b := &fakeBroker{buyingPower: 10000, fillPrice: 100}
	stop := &fakeStopLoss{err: errors.New("no bars")}
	eng := New(testConfig(), &fakeSignalSource{eval: evalWith(signals.Bullish)}, &fakeSizer{fraction: 0.5}, stop, b, &fakeJournal{}, &fakeNotifier{}, nil)

	result := eng.RunCycle(context.Background())
	if result.Outcome != TradeExecuted {
		t.Fatalf("expected outcome %s, got %s (err %v)", TradeExecuted, result.Outcome, result.Err)
	}
	if b.placed[0].Plan != nil {
		t.Fatalf("expected unprotected order when planning fails, got %+v", b.placed[0].Plan)
	}
}

func TestRunCycleFillPriceFallsBackToSignalPrice(t *testing.T) {
	b := &fakeBroker{buyingPower: 10000, fillPrice: 0}
	store := &fakeJournal{}
	eng := New(testConfig(), &fakeSignalSource{eval: evalWith(signals.Bullish)}, &fakeSizer{fraction: 0.5}, nil, b, store, &fakeNotifier{}, nil)

	result := eng.RunCycle(context.Background())
	if result.Outcome != TradeExecuted {
		t.Fatalf("expected outcome %s, got %s (err %v)", TradeExecuted, result.Outcome, result.Err)
	}
	if store.records[0].Price != 100 {
		t.Fatalf("expected signal price fallback, got %v", store.records[0].Price)
	}
}

func TestRunCycleExistingJournalRowDoesNotBlock(t *testing.T) {
	b := &fakeBroker{buyingPower: 10000, fillPrice: 100}
	store := &fakeJournal{exists: true}
	eng := New(testConfig(), &fakeSignalSource{eval: evalWith(signals.Bullish)}, &fakeSizer{fraction: 0.5}, nil, b, store, &fakeNotifier{}, nil)

	result := eng.RunCycle(context.Background())
	if result.Outcome != TradeExecuted {
		t.Fatalf("expected rerun to proceed, got %s (err %v)", result.Outcome, result.Err)
	}
	if len(b.placed) != 1 {
		t.Fatalf("expected order despite existing row, got %d", len(b.placed))
	}
}

func TestRunCycleNotifierFailureDoesNotAbort(t *testing.T) {
	b := &fakeBroker{buyingPower: 10000, fillPrice: 100}
	notifier := &fakeNotifier{err: errors.New("webhook down")}
	eng := New(testConfig(), &fakeSignalSource{eval: evalWith(signals.Bullish)}, &fakeSizer{fraction: 0.5}, nil, b, &fakeJournal{}, notifier, nil)

	result := eng.RunCycle(context.Background())
	if result.Outcome != TradeExecuted {
		t.Fatalf("expected trade to stand despite notifier failure, got %s (err %v)", result.Outcome, result.Err)
	}
}

func TestRunCycleJournalAppendFailureDoesNotAbort(t *testing.T) {
	b := &fakeBroker{buyingPower: 10000, fillPrice: 100}
	store := &fakeJournal{appendErr: errors.New("disk full")}
	eng := New(testConfig(), &fakeSignalSource{eval: evalWith(signals.Bullish)}, &fakeSizer{fraction: 0.5}, nil, b, store, &fakeNotifier{}, nil)

	result := eng.RunCycle(context.Background())
	if result.Outcome != TradeExecuted {
		t.Fatalf("expected trade to stand despite journal failure, got %s (err %v)", result.Outcome, result.Err)
	}
}

func TestRunCycleRecoversPanic(t *testing.T) {
	b := &fakeBroker{buyingPower: 10000}
	store := &fakeJournal{}
	notifier := &fakeNotifier{}
	eng := New(testConfig(), &fakeSignalSource{eval: evalWith(signals.Bullish)}, &fakeSizer{boom: true}, nil, b, store, notifier, nil)

	result := eng.RunCycle(context.Background())
	if result.Outcome != Failed || result.Kind != FailureInternal {
		t.Fatalf("expected failed/internal, got %s/%s", result.Outcome, result.Kind)
	}
	if result.Err == nil {
		t.Fatal("expected error describing the panic")
	}
	if len(store.records) != 1 || store.records[0].Status != journal.StatusFailed {
		t.Fatalf("expected failure record, got %+v", store.records)
	}
	if len(notifier.messages) != 1 {
		t.Fatalf("expected one notification, got %d", len(notifier.messages))
	}
}
