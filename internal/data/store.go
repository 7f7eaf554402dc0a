// Package data provides the market data store backing the backtester feed.
package data

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helios-quant/backtest-engine/internal/backtester/events"
	"github.com/helios-quant/backtest-engine/pkg/types"
)

// ErrUnknownSymbol is returned when a feed is requested for a symbol the
// store has no data for.
var ErrUnknownSymbol = fmt.Errorf("unknown symbol")

// ErrNonMonotonicData is returned when a series violates the feed contract
// of monotonically non-decreasing timestamps.
var ErrNonMonotonicData = fmt.Errorf("non-monotonic market data")

// Store is an in-memory, symbol-keyed store of ordered bar series.
type Store struct {
	mu     sync.RWMutex
	logger *zap.Logger
	bars   map[string][]types.Bar
}

// NewStore creates an empty store.
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		logger: logger,
		bars:   make(map[string][]types.Bar),
	}
}

// AddBars appends bars for a symbol. The combined series must remain
// time-ordered; a violation is a fatal input error.
func (s *Store) AddBars(symbol string, bars []types.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	series := append(s.bars[symbol], bars...)
	for i := 1; i < len(series); i++ {
		if series[i].Timestamp.Before(series[i-1].Timestamp) {
			return fmt.Errorf("%w: %s at index %d", ErrNonMonotonicData, symbol, i)
		}
	}
	s.bars[symbol] = series

	s.logger.Debug("bars added",
		zap.String("symbol", symbol),
		zap.Int("count", len(bars)),
		zap.Int("total", len(series)),
	)
	return nil
}

// LoadCSV ingests a CSV file of the form
// timestamp,open,high,low,close,volume with RFC3339 timestamps. A header
// row is skipped if present.
func (s *Store) LoadCSV(symbol, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 6

	var bars []types.Bar
	line := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		line++

		ts, err := time.Parse(time.RFC3339, rec[0])
		if err != nil {
			if line == 1 {
				continue // header
			}
			return fmt.Errorf("parse %s line %d: %w", path, line, err)
		}

		bar := types.Bar{Symbol: symbol, Timestamp: ts}
		fields := []*decimal.Decimal{&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume}
		for i, dst := range fields {
			v, err := decimal.NewFromString(rec[i+1])
			if err != nil {
				return fmt.Errorf("parse %s line %d field %d: %w", path, line, i+1, err)
			}
			*dst = v
		}
		bars = append(bars, bar)
	}

	return s.AddBars(symbol, bars)
}

// Symbols returns the symbols the store has data for.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.bars))
	for sym := range s.bars {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Range returns the covered time range for a symbol.
func (s *Store) Range(symbol string) (start, end time.Time, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series, ok := s.bars[symbol]
	if !ok || len(series) == 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return series[0].Timestamp, series[len(series)-1].Timestamp, nil
}

// Feed returns the merged, time-ordered MarketEvent sequence for a symbol
// set and date range. A zero end time means "until the data ends".
func (s *Store) Feed(symbols []string, start, end time.Time) ([]*events.MarketEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var merged []*events.MarketEvent
	for _, sym := range symbols {
		series, ok := s.bars[sym]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, sym)
		}
		for _, bar := range series {
			if bar.Timestamp.Before(start) {
				continue
			}
			if !end.IsZero() && bar.Timestamp.After(end) {
				continue
			}
			merged = append(merged, &events.MarketEvent{Bar: bar})
		}
	}

	// Stable merge: time order first, then symbol for same-timestamp bars so
	// the feed is deterministic across runs.
	sort.SliceStable(merged, func(i, j int) bool {
		ti, tj := merged[i].Timestamp(), merged[j].Timestamp()
		if ti.Equal(tj) {
			return merged[i].Symbol() < merged[j].Symbol()
		}
		return ti.Before(tj)
	})

	return merged, nil
}
