// Package oracle provides the price source the liquidation engine values
// positions against. Quotes arrive as arbitrary-precision decimal strings and
// are normalized to RAY before any protocol math sees them.
package oracle

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	fp "LendLedger/internal/fixedpoint"
)

var (
	ErrNoPrice      = errors.New("oracle: no price for asset")
	ErrInvalidQuote = errors.New("oracle: quote must be positive")
)

// PriceFeed resolves an asset to its price in the quote currency, RAY-scaled
// per whole token.
type PriceFeed interface {
	Price(asset string) (fp.Dec, error)
}

// StaticFeed is a concurrent in-memory feed fed by an external publisher.
// Quotes are rounded half away from zero to RAY precision on the way in.
type StaticFeed struct {
	mu     sync.RWMutex
	prices map[string]fp.Dec
}

func NewStaticFeed() *StaticFeed {
	return &StaticFeed{prices: make(map[string]fp.Dec)}
}

// Set records a quote for an asset.
func (f *StaticFeed) Set(asset string, quote decimal.Decimal) error {
	if quote.Sign() <= 0 {
		return ErrInvalidQuote
	}
	raw := quote.Shift(int32(fp.Ray)).Round(0).BigInt()
	f.mu.Lock()
	f.prices[asset] = fp.New(raw, fp.Ray)
	f.mu.Unlock()
	return nil
}

// SetString parses and records a quote, for config-file and test wiring.
func (f *StaticFeed) SetString(asset, quote string) error {
	d, err := decimal.NewFromString(quote)
	if err != nil {
		return err
	}
	return f.Set(asset, d)
}

// SetRay records an already-normalized RAY price, used when restoring feed
// state from a snapshot.
func (f *StaticFeed) SetRay(asset string, price fp.Dec) error {
	if price.Sign() <= 0 {
		return ErrInvalidQuote
	}
	f.mu.Lock()
	f.prices[asset] = fp.New(price.Raw(), fp.Ray)
	f.mu.Unlock()
	return nil
}

// Snapshot exports every known price, RAY-scaled.
func (f *StaticFeed) Snapshot() map[string]fp.Dec {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]fp.Dec, len(f.prices))
	for asset, p := range f.prices {
		out[asset] = fp.New(p.Raw(), fp.Ray)
	}
	return out
}

func (f *StaticFeed) Price(asset string) (fp.Dec, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[asset]
	if !ok {
		return fp.Dec{}, ErrNoPrice
	}
	return fp.New(p.Raw(), fp.Ray), nil
}
