package lending

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
)

// PriceFeed provides asset prices. Prices are USD per whole unit of the asset,
// wad-scaled. Implementations are responsible for staleness checks; any error
// aborts the operation that asked.
type PriceFeed interface {
	GetPrice(feedID string) (*big.Int, error)
}

// StaticPriceFeed is an in-memory price feed used for fixed price books and
// tests.
type StaticPriceFeed struct {
	mu     sync.RWMutex
	prices map[string]*big.Int
}

// NewStaticPriceFeed creates an empty feed.
func NewStaticPriceFeed() *StaticPriceFeed {
	return &StaticPriceFeed{prices: make(map[string]*big.Int)}
}

// SetPrice records the price for a feed identifier.
func (f *StaticPriceFeed) SetPrice(feedID string, price *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[strings.TrimSpace(feedID)] = cloneInt(price)
}

// GetPrice implements PriceFeed.
func (f *StaticPriceFeed) GetPrice(feedID string) (*big.Int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	price, ok := f.prices[strings.TrimSpace(feedID)]
	if !ok {
		return nil, fmt.Errorf("%w: feed %q", ErrPriceUnavailable, feedID)
	}
	return new(big.Int).Set(price), nil
}
