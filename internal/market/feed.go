package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNoPrice is returned when a feed has no price for a symbol
var ErrNoPrice = errors.New("no price available")

// PriceFeed supplies current prices and order-book depth (USD)
type PriceFeed interface {
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
	Liquidity(ctx context.Context, symbol string) (float64, error)
}

// Quote is a price/depth pair
type Quote struct {
	Price     float64 `json:"price"`
	Liquidity float64 `json:"liquidity"`
}

// StaticFeed is an in-memory PriceFeed updated by the caller
type StaticFeed struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewStaticFeed creates an empty feed
func NewStaticFeed() *StaticFeed {
	return &StaticFeed{quotes: make(map[string]Quote)}
}

// Set stores the quote for symbol
func (f *StaticFeed) Set(symbol string, price, liquidity float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[symbol] = Quote{Price: price, Liquidity: liquidity}
}

// Quotes returns a copy of all quotes
func (f *StaticFeed) Quotes() map[string]Quote {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]Quote, len(f.quotes))
	for k, v := range f.quotes {
		out[k] = v
	}
	return out
}

func (f *StaticFeed) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.RLock()
	q, ok := f.quotes[symbol]
	f.mu.RUnlock()
	if !ok || q.Price <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}
	return q.Price, nil
}

// Liquidity returns 0 for unknown symbols; the sizer treats that as "no data".
func (f *StaticFeed) Liquidity(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.quotes[symbol].Liquidity, nil
}
