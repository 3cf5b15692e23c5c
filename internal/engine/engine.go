package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"tqqqbot/internal/broker"
	"tqqqbot/internal/config"
	"tqqqbot/internal/journal"
	"tqqqbot/internal/notify"
	"tqqqbot/internal/risk"
	"tqqqbot/internal/signals"
)

type State string

const (
	StateIdle               State = "idle"
	StateFetchingSignal     State = "fetching_signal"
	StateEvaluatingPosition State = "evaluating_position"
	StateSizing             State = "sizing"
	StatePlanningRisk       State = "planning_risk"
	StateSubmitting         State = "submitting"
	StateRecording          State = "recording"
	StateFailed             State = "failed"
)

type Outcome string

const (
	NoAction      Outcome = "no_action"
	TradeExecuted Outcome = "trade_executed"
	Failed        Outcome = "failed"
)

type FailureKind string

const (
	FailureNone     FailureKind = ""
	FailureData     FailureKind = "data"
	FailureBroker   FailureKind = "broker"
	FailureConfig   FailureKind = "config"
	FailureTimeout  FailureKind = "timeout"
	FailureInternal FailureKind = "internal"
)

type OrderResult struct {
	Symbol string
	Action journal.Action
	Qty    int
	Order  broker.Order
	Err    error
}

// CycleResult is the single terminal value of one decision cycle.
type CycleResult struct {
	Outcome Outcome
	Kind    FailureKind
	Signal  *signals.Evaluation
	Orders  []OrderResult
	Err     error
}

// SignalSource produces one market evaluation per cycle.
type SignalSource interface {
	Evaluate(ctx context.Context, symbol string) (signals.Evaluation, error)
}

// Sizer converts a return history into an allocation fraction in [0, 1].
type Sizer interface {
	Fraction(returns []float64) float64
}

// Engine walks one trading decision from signal to journal. It is
// sequential: RunCycle must not be called concurrently.
type Engine struct {
	cfg      config.Config
	signals  SignalSource
	sizer    Sizer
	stoploss risk.StopLoss
	broker   broker.Broker
	journal  journal.Store
	notifier notify.Notifier
	audit    *CycleLog
	state    State
}

func New(cfg config.Config, source SignalSource, sizer Sizer, stoploss risk.StopLoss, b broker.Broker, store journal.Store, notifier notify.Notifier, audit *CycleLog) *Engine {
	return &Engine{
		cfg:      cfg,
		signals:  source,
		sizer:    sizer,
		stoploss: stoploss,
		broker:   b,
		journal:  store,
		notifier: notifier,
		audit:    audit,
		state:    StateIdle,
	}
}

// SetStopLoss swaps the protective strategy between cycles.
func (e *Engine) SetStopLoss(s risk.StopLoss) {
	e.stoploss = s
}

// RunCycle executes one full decision cycle and always returns a terminal
// CycleResult. Errors and panics never escape.
func (e *Engine) RunCycle(ctx context.Context) (result CycleResult) {
	date := time.Now().UTC().Format("2006-01-02")
	defer func() {
		if r := recover(); r != nil {
			slog.Error("cycle panicked", "panic", r)
			result = CycleResult{Outcome: Failed, Kind: FailureInternal, Err: fmt.Errorf("recovered panic: %v", r)}
			e.record(journal.Record{
				Date:   date,
				Symbol: e.cfg.Symbol,
				Action: journal.ActionNone,
				Status: journal.StatusFailed,
				Reason: result.Err.Error(),
			})
			e.notify(notify.SeverityError, fmt.Sprintf("cycle panicked: %v", r))
			e.logCycle(result)
		}
		e.transition(StateIdle)
	}()

	e.transition(StateFetchingSignal)
	sctx, cancel := context.WithTimeout(ctx, e.cfg.ProviderTimeout)
	eval, err := e.signals.Evaluate(sctx, e.cfg.Symbol)
	cancel()
	if err != nil {
		return e.fail(date, FailureData, fmt.Errorf("evaluate signal: %w", err), nil)
	}

	switch eval.Signal {
	case signals.Bullish:
		return e.runBullish(ctx, date, eval)
	case signals.Bearish:
		return e.runBearish(ctx, date, eval)
	default:
		e.transition(StateRecording)
		slog.Info("neutral signal, no action", "symbol", e.cfg.Symbol, "price", eval.Price, "ema_short", eval.EMAShort, "ema_long", eval.EMALong)
		result = CycleResult{Outcome: NoAction, Signal: &eval}
		e.logCycle(result)
		return result
	}
}

func (e *Engine) runBullish(ctx context.Context, date string, eval signals.Evaluation) CycleResult {
	result := CycleResult{Signal: &eval}

	e.transition(StateEvaluatingPosition)
	positions, err := e.positions(ctx)
	if err != nil {
		return e.fail(date, classifyBrokerErr(err), fmt.Errorf("fetch positions: %w", err), &eval)
	}
	for _, pos := range positions {
		if pos.Symbol == e.cfg.Symbol && pos.Qty > 0 {
			slog.Info("already positioned, holding", "symbol", e.cfg.Symbol, "qty", pos.Qty)
			result.Outcome = NoAction
			e.logCycle(result)
			return result
		}
	}

	e.transition(StateSizing)
	buyingPower, err := e.buyingPower(ctx)
	if err != nil {
		return e.fail(date, classifyBrokerErr(err), fmt.Errorf("fetch buying power: %w", err), &eval)
	}
	fraction := e.sizer.Fraction(eval.Series.Returns())
	allocation := buyingPower * (1 - e.cfg.ReservedBuffer) * fraction
	qty := int(math.Floor(allocation / eval.Price))
	slog.Info("position sized", "buying_power", buyingPower, "fraction", fraction, "allocation", allocation, "qty", qty)
	if qty < 1 {
		slog.Warn("allocation below one share, skipping entry", "allocation", allocation, "price", eval.Price)
		result.Outcome = NoAction
		e.logCycle(result)
		return result
	}

	e.transition(StatePlanningRisk)
	var plan *risk.Plan
	if e.stoploss != nil {
		pctx, cancel := context.WithTimeout(ctx, e.cfg.ProviderTimeout)
		p, err := e.stoploss.PlanFor(pctx, e.cfg.Symbol, eval.Price, risk.Long)
		cancel()
		if err != nil {
			slog.Warn("stop plan failed, submitting unprotected order", "error", err)
		} else {
			plan = &p
		}
	}

	e.transition(StateSubmitting)
	e.probeJournal(ctx, date)
	liquidated := false
	for _, pos := range positions {
		if pos.Symbol == e.cfg.Symbol || pos.Qty == 0 {
			continue
		}
		order, err := e.closePosition(ctx, pos.Symbol)
		result.Orders = append(result.Orders, OrderResult{Symbol: pos.Symbol, Action: journal.ActionSell, Qty: pos.Qty, Order: order, Err: err})
		rec := journal.Record{
			Date:     date,
			Symbol:   pos.Symbol,
			Signal:   string(eval.Signal),
			Action:   journal.ActionSell,
			Quantity: pos.Qty,
			Price:    order.FilledPrice,
			Status:   journal.StatusExecuted,
		}
		if err != nil {
			slog.Error("liquidation failed, continuing", "symbol", pos.Symbol, "error", err)
			rec.Status = journal.StatusFailed
			rec.Reason = err.Error()
		} else {
			liquidated = true
		}
		e.record(rec)
	}

	intent := broker.OrderIntent{Symbol: e.cfg.Symbol, Side: broker.Buy, Qty: qty, Type: broker.Market, Plan: plan}
	order, err := e.placeOrder(ctx, intent)
	result.Orders = append(result.Orders, OrderResult{Symbol: e.cfg.Symbol, Action: journal.ActionBuy, Qty: qty, Order: order, Err: err})

	e.transition(StateRecording)
	rec := journal.Record{
		Date:     date,
		Symbol:   e.cfg.Symbol,
		Signal:   string(eval.Signal),
		Action:   journal.ActionBuy,
		Quantity: qty,
		Price:    priceOr(order.FilledPrice, eval.Price),
		Status:   journal.StatusExecuted,
	}
	if plan != nil {
		rec.StopPrice = plan.StopPrice
		rec.TargetPrice = plan.TargetPrice
		rec.Strategy = plan.Strategy
	}
	if err != nil {
		rec.Status = journal.StatusFailed
		rec.Reason = err.Error()
		e.record(rec)

		result.Outcome = Failed
		result.Kind = classifyBrokerErr(err)
		result.Err = fmt.Errorf("place order: %w", err)
		if liquidated {
			// Holdings were sold but the entry never happened. The book is
			// sitting in cash with no plan, which needs a human.
			e.notify(notify.SeverityCritical, fmt.Sprintf("%s buy failed after liquidating other holdings: %v", e.cfg.Symbol, err))
		} else {
			e.notify(notify.SeverityError, fmt.Sprintf("%s buy failed: %v", e.cfg.Symbol, err))
		}
		e.logCycle(result)
		return result
	}
	e.record(rec)

	result.Outcome = TradeExecuted
	slog.Info("cycle complete", "outcome", result.Outcome, "symbol", e.cfg.Symbol, "qty", qty)
	e.notify(notify.SeverityInfo, fmt.Sprintf("bullish: bought %d %s at %.2f", qty, e.cfg.Symbol, rec.Price))
	e.logCycle(result)
	return result
}

func (e *Engine) runBearish(ctx context.Context, date string, eval signals.Evaluation) CycleResult {
	result := CycleResult{Signal: &eval}

	e.transition(StateEvaluatingPosition)
	positions, err := e.positions(ctx)
	if err != nil {
		return e.fail(date, classifyBrokerErr(err), fmt.Errorf("fetch positions: %w", err), &eval)
	}

	heldQty := 0
	for _, pos := range positions {
		if pos.Symbol == e.cfg.Symbol && pos.Qty > 0 {
			heldQty = pos.Qty
			break
		}
	}
	if heldQty == 0 {
		slog.Info("bearish with no holding, nothing to close", "symbol", e.cfg.Symbol)
		result.Outcome = NoAction
		e.logCycle(result)
		return result
	}

	e.transition(StateSubmitting)
	e.probeJournal(ctx, date)
	order, err := e.closePosition(ctx, e.cfg.Symbol)
	result.Orders = append(result.Orders, OrderResult{Symbol: e.cfg.Symbol, Action: journal.ActionSell, Qty: heldQty, Order: order, Err: err})

	e.transition(StateRecording)
	rec := journal.Record{
		Date:     date,
		Symbol:   e.cfg.Symbol,
		Signal:   string(eval.Signal),
		Action:   journal.ActionSell,
		Quantity: heldQty,
		Price:    priceOr(order.FilledPrice, eval.Price),
		Status:   journal.StatusExecuted,
	}
	if err != nil {
		rec.Status = journal.StatusFailed
		rec.Reason = err.Error()
		e.record(rec)

		result.Outcome = Failed
		result.Kind = classifyBrokerErr(err)
		result.Err = fmt.Errorf("close position: %w", err)
		e.notify(notify.SeverityError, fmt.Sprintf("%s close failed: %v", e.cfg.Symbol, err))
		e.logCycle(result)
		return result
	}
	e.record(rec)

	result.Outcome = TradeExecuted
	slog.Info("cycle complete", "outcome", result.Outcome, "symbol", e.cfg.Symbol, "qty", heldQty)
	e.notify(notify.SeverityInfo, fmt.Sprintf("bearish: closed %d %s", heldQty, e.cfg.Symbol))
	e.logCycle(result)
	return result
}

func (e *Engine) fail(date string, kind FailureKind, err error, eval *signals.Evaluation) CycleResult {
	e.transition(StateFailed)
	slog.Error("cycle failed", "kind", kind, "error", err)

	result := CycleResult{Outcome: Failed, Kind: kind, Signal: eval, Err: err}

	// Failed cycles are recorded so the day's attempt stays visible, but
	// they are never retried automatically.
	sig := ""
	if eval != nil {
		sig = string(eval.Signal)
	}
	e.record(journal.Record{
		Date:   date,
		Symbol: e.cfg.Symbol,
		Signal: sig,
		Action: journal.ActionNone,
		Status: journal.StatusFailed,
		Reason: err.Error(),
	})
	e.notify(notify.SeverityError, fmt.Sprintf("cycle failed (%s): %v", kind, err))
	e.logCycle(result)
	return result
}

func (e *Engine) transition(next State) {
	slog.Debug("state transition", "from", e.state, "to", next)
	e.state = next
}

func (e *Engine) probeJournal(ctx context.Context, date string) {
	exists, err := e.journal.Exists(ctx, date, e.cfg.Symbol)
	if err != nil {
		slog.Warn("idempotency probe failed", "error", err)
		return
	}
	if exists {
		slog.Warn("cycle already recorded for this date, proceeding", "date", date, "symbol", e.cfg.Symbol)
	}
}

// record and notify run on detached contexts so a cycle that died on a
// deadline still leaves a journal row and an alert behind.
func (e *Engine) record(rec journal.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.journal.Append(ctx, rec); err != nil {
		slog.Error("journal append failed", "symbol", rec.Symbol, "action", rec.Action, "error", err)
	}
}

func (e *Engine) notify(sev notify.Severity, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.notifier.Send(ctx, message, sev); err != nil {
		slog.Warn("notification failed", "severity", sev, "error", err)
	}
}

func (e *Engine) positions(ctx context.Context) ([]broker.Position, error) {
	bctx, cancel := context.WithTimeout(ctx, e.cfg.BrokerTimeout)
	defer cancel()
	return e.broker.GetPositions(bctx)
}

func (e *Engine) buyingPower(ctx context.Context) (float64, error) {
	bctx, cancel := context.WithTimeout(ctx, e.cfg.BrokerTimeout)
	defer cancel()
	return e.broker.GetBuyingPower(bctx)
}

func (e *Engine) placeOrder(ctx context.Context, intent broker.OrderIntent) (broker.Order, error) {
	bctx, cancel := context.WithTimeout(ctx, e.cfg.BrokerTimeout)
	defer cancel()
	return e.broker.PlaceOrder(bctx, intent)
}

func (e *Engine) closePosition(ctx context.Context, symbol string) (broker.Order, error) {
	bctx, cancel := context.WithTimeout(ctx, e.cfg.BrokerTimeout)
	defer cancel()
	return e.broker.ClosePosition(bctx, symbol)
}

func classifyBrokerErr(err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	return FailureBroker
}

func priceOr(price, fallback float64) float64 {
	if price > 0 {
		return price
	}
	return fallback
}
