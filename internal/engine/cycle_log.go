package engine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

type cycleEntry struct {
	RunID       string       `json:"run_id"`
	Timestamp   time.Time    `json:"timestamp"`
	Symbol      string       `json:"symbol,omitempty"`
	Signal      string       `json:"signal,omitempty"`
	Price       float64      `json:"price,omitempty"`
	EMAShort    float64      `json:"ema_short,omitempty"`
	EMALong     float64      `json:"ema_long,omitempty"`
	Outcome     Outcome      `json:"outcome"`
	FailureKind FailureKind  `json:"failure_kind,omitempty"`
	Orders      []orderEntry `json:"orders,omitempty"`
	Error       string       `json:"error,omitempty"`
}

type orderEntry struct {
	Symbol  string `json:"symbol"`
	Action  string `json:"action"`
	Qty     int    `json:"qty"`
	OrderID string `json:"order_id,omitempty"`
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CycleLog appends one NDJSON line per completed cycle so runs can be
// audited after the fact.
type CycleLog struct {
	runID  string
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
}

func NewCycleLog(path string, runID string) (*CycleLog, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &CycleLog{
		runID:  runID,
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

func (c *CycleLog) RunID() string {
	return c.runID
}

func (c *CycleLog) Append(entry cycleEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry.RunID = c.runID
	entry.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal cycle entry: %v\n", err)
		return
	}
	if _, err := c.writer.Write(append(payload, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write cycle entry: %v\n", err)
		return
	}
	if err := c.writer.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to flush cycle log: %v\n", err)
	}
}

func (c *CycleLog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writer.Flush(); err != nil {
		_ = c.file.Close()
		return err
	}
	return c.file.Close()
}

// logCycle is best effort. A nil audit log disables it.
func (e *Engine) logCycle(result CycleResult) {
	if e.audit == nil {
		return
	}
	entry := cycleEntry{
		Outcome:     result.Outcome,
		FailureKind: result.Kind,
	}
	if result.Signal != nil {
		entry.Symbol = result.Signal.Symbol
		entry.Signal = string(result.Signal.Signal)
		entry.Price = result.Signal.Price
		entry.EMAShort = result.Signal.EMAShort
		entry.EMALong = result.Signal.EMALong
	}
	if result.Err != nil {
		entry.Error = result.Err.Error()
	}
	for _, o := range result.Orders {
		oe := orderEntry{
			Symbol:  o.Symbol,
			Action:  string(o.Action),
			Qty:     o.Qty,
			OrderID: o.Order.ID,
			Status:  o.Order.Status,
		}
		if o.Err != nil {
			oe.Error = o.Err.Error()
		}
		entry.Orders = append(entry.Orders, oe)
	}
	e.audit.Append(entry)
}
