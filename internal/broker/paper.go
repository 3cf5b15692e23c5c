package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tqqqbot/internal/md"
)

// Paper simulates fills so the full decision path can run without a
// brokerage account. Market orders fill at the provider's current price,
// limit orders at the limit price.
type Paper struct {
	prices md.Provider

	mu           sync.Mutex
	cash         float64
	positions    map[string]*Position
	orderCounter int
}

func NewPaper(cash float64, prices md.Provider) *Paper {
	return &Paper{
		prices:    prices,
		cash:      cash,
		positions: make(map[string]*Position),
	}
}

func (p *Paper) GetPositions(ctx context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

func (p *Paper) GetBuyingPower(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash, nil
}

func (p *Paper) PlaceOrder(ctx context.Context, intent OrderIntent) (Order, error) {
	if intent.Qty <= 0 {
		return Order{}, fmt.Errorf("quantity must be positive, got %d", intent.Qty)
	}
	fillPrice, err := p.fillPrice(ctx, intent)
	if err != nil {
		return Order{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	value := fillPrice * float64(intent.Qty)
	switch intent.Side {
	case Buy:
		if p.cash < value {
			return Order{}, fmt.Errorf("insufficient funds: need %.2f, have %.2f", value, p.cash)
		}
		p.cash -= value
		p.applyBuy(intent.Symbol, intent.Qty, fillPrice)
	case Sell:
		pos, ok := p.positions[intent.Symbol]
		if !ok || pos.Qty < intent.Qty {
			return Order{}, fmt.Errorf("insufficient position in %s", intent.Symbol)
		}
		p.cash += value
		pos.Qty -= intent.Qty
		if pos.Qty == 0 {
			delete(p.positions, intent.Symbol)
		}
	default:
		return Order{}, fmt.Errorf("unknown side: %s", intent.Side)
	}

	p.orderCounter++
	order := Order{ID: fmt.Sprintf("paper-%d", p.orderCounter), Status: "filled", FilledPrice: fillPrice}
	slog.Info("paper order filled", "order_id", order.ID, "side", intent.Side, "symbol", intent.Symbol, "qty", intent.Qty, "price", fillPrice)
	return order, nil
}

func (p *Paper) ClosePosition(ctx context.Context, symbol string) (Order, error) {
	p.mu.Lock()
	pos, ok := p.positions[symbol]
	qty := 0
	if ok {
		qty = pos.Qty
	}
	p.mu.Unlock()

	if !ok {
		return Order{}, fmt.Errorf("no open position in %s", symbol)
	}
	return p.PlaceOrder(ctx, OrderIntent{Symbol: symbol, Side: Sell, Qty: qty, Type: Market})
}

func (p *Paper) fillPrice(ctx context.Context, intent OrderIntent) (float64, error) {
	if intent.Type == Limit && intent.LimitPrice != nil {
		return *intent.LimitPrice, nil
	}
	price, err := p.prices.GetCurrentPrice(ctx, intent.Symbol)
	if err != nil {
		return 0, fmt.Errorf("fetch fill price: %w", err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("no market price for %s", intent.Symbol)
	}
	return price, nil
}

func (p *Paper) applyBuy(symbol string, qty int, price float64) {
	pos, ok := p.positions[symbol]
	if !ok {
		p.positions[symbol] = &Position{Symbol: symbol, Qty: qty, AvgEntryPrice: price}
		return
	}
	totalValue := pos.AvgEntryPrice*float64(pos.Qty) + price*float64(qty)
	pos.Qty += qty
	pos.AvgEntryPrice = totalValue / float64(pos.Qty)
}

var _ Broker = (*Paper)(nil)
