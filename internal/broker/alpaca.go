package broker

import (
	"context"
	"log/slog"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
)

type Alpaca struct {
	client *alpaca.Client
}

func NewAlpaca(apiKey, apiSecret, baseURL string) *Alpaca {
	opts := alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	}
	return &Alpaca{client: alpaca.NewClient(opts)}
}

func (a *Alpaca) GetPositions(ctx context.Context) ([]Position, error) {
	positions, err := a.client.GetPositions()
	if err != nil {
		slog.Error("fetch positions failed", "error", err)
		return nil, err
	}

	out := make([]Position, 0, len(positions))
	for _, pos := range positions {
		avgEntry, _ := pos.AvgEntryPrice.Float64()
		out = append(out, Position{
			Symbol:        pos.Symbol,
			Qty:           int(pos.Qty.IntPart()),
			AvgEntryPrice: avgEntry,
		})
	}
	slog.Info("positions fetched", "count", len(out))
	return out, nil
}

func (a *Alpaca) GetBuyingPower(ctx context.Context) (float64, error) {
	acct, err := a.client.GetAccount()
	if err != nil {
		slog.Error("fetch account failed", "error", err)
		return 0, err
	}
	equity, _ := acct.Equity.Float64()
	buyingPower, _ := acct.BuyingPower.Float64()

	slog.Info("account fetched", "equity", equity, "buying_power", buyingPower)
	return buyingPower, nil
}

func (a *Alpaca) PlaceOrder(ctx context.Context, intent OrderIntent) (Order, error) {
	req := buildOrderRequest(intent)

	order, err := a.client.PlaceOrder(req)
	if err != nil {
		slog.Error("place order failed", "side", intent.Side, "symbol", intent.Symbol, "qty", intent.Qty, "type", intent.Type, "error", err)
		return Order{}, err
	}

	slog.Info("place order success", "order_id", order.ID, "side", intent.Side, "symbol", intent.Symbol, "qty", intent.Qty, "type", intent.Type, "status", order.Status)
	return fromAlpacaOrder(order), nil
}

func (a *Alpaca) ClosePosition(ctx context.Context, symbol string) (Order, error) {
	order, err := a.client.ClosePosition(symbol, alpaca.ClosePositionRequest{})
	if err != nil {
		slog.Error("close position failed", "symbol", symbol, "error", err)
		return Order{}, err
	}

	slog.Info("close position success", "order_id", order.ID, "symbol", symbol, "status", order.Status)
	return fromAlpacaOrder(order), nil
}

func buildOrderRequest(intent OrderIntent) alpaca.PlaceOrderRequest {
	qty := decimal.NewFromInt(int64(intent.Qty))
	req := alpaca.PlaceOrderRequest{
		Symbol:      intent.Symbol,
		Qty:         &qty,
		Side:        alpaca.Side(intent.Side),
		Type:        alpaca.OrderType(intent.Type),
		TimeInForce: alpaca.Day,
	}
	if intent.LimitPrice != nil {
		limitPrice := decimal.NewFromFloat(*intent.LimitPrice)
		req.LimitPrice = &limitPrice
	}
	// Bracket orders need both protective legs; with a stop alone the
	// order goes out as one-triggers-other.
	if intent.Plan != nil {
		stopPrice := decimal.NewFromFloat(intent.Plan.StopPrice)
		req.StopLoss = &alpaca.StopLoss{StopPrice: &stopPrice}
		if intent.Plan.TargetPrice > 0 {
			targetPrice := decimal.NewFromFloat(intent.Plan.TargetPrice)
			req.TakeProfit = &alpaca.TakeProfit{LimitPrice: &targetPrice}
			req.OrderClass = alpaca.Bracket
		} else {
			req.OrderClass = alpaca.OTO
		}
	}
	return req
}

func fromAlpacaOrder(order *alpaca.Order) Order {
	out := Order{ID: order.ID, Status: string(order.Status)}
	if order.FilledAvgPrice != nil {
		out.FilledPrice, _ = order.FilledAvgPrice.Float64()
	}
	return out
}

var _ Broker = (*Alpaca)(nil)
