package market

import (
	"errors"
	"sync"
)

var (
	ErrMarketNotFound   = errors.New("market: market not found")
	ErrPositionNotFound = errors.New("market: position not found")
	ErrMarketExists     = errors.New("market: market already exists")
)

// Store is the state backend the engine runs against. Implementations must
// return independent copies: the engine mutates what it reads and writes back
// only on commit.
type Store interface {
	GetMarket(asset string) (*MarketState, error)
	PutMarket(m *MarketState) error

	GetPosition(account, asset string, side Side) (*Position, error)
	PutPosition(p *Position) error
	DeletePosition(account, asset string, side Side) error

	// PositionsByAccount lists every open position for an account across all
	// markets and sides. Order is unspecified.
	PositionsByAccount(account string) ([]*Position, error)
}

type posKey struct {
	account string
	asset   string
	side    Side
}

// MemStore is the in-memory Store used by the deterministic core and by
// tests. Safe for concurrent use.
type MemStore struct {
	mu        sync.RWMutex
	markets   map[string]*MarketState
	positions map[posKey]*Position
}

func NewMemStore() *MemStore {
	return &MemStore{
		markets:   make(map[string]*MarketState),
		positions: make(map[posKey]*Position),
	}
}

// CreateMarket registers a new market, rejecting duplicates.
func (s *MemStore) CreateMarket(m *MarketState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[m.Asset]; ok {
		return ErrMarketExists
	}
	s.markets[m.Asset] = m.Clone()
	return nil
}

func (s *MemStore) GetMarket(asset string) (*MarketState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[asset]
	if !ok {
		return nil, ErrMarketNotFound
	}
	return m.Clone(), nil
}

func (s *MemStore) PutMarket(m *MarketState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets[m.Asset] = m.Clone()
	return nil
}

func (s *MemStore) GetPosition(account, asset string, side Side) (*Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[posKey{account, asset, side}]
	if !ok {
		return nil, ErrPositionNotFound
	}
	return p.Clone(), nil
}

func (s *MemStore) PutPosition(p *Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[posKey{p.Account, p.Asset, p.Side}] = p.Clone()
	return nil
}

func (s *MemStore) DeletePosition(account, asset string, side Side) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, posKey{account, asset, side})
	return nil
}

func (s *MemStore) PositionsByAccount(account string) ([]*Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Position
	for k, p := range s.positions {
		if k.account == account {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

// Positions lists every open position across all accounts. Order is
// unspecified. Used for state snapshots.
func (s *MemStore) Positions() []*Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p.Clone())
	}
	return out
}

// Assets lists the registered market assets. Order is unspecified.
func (s *MemStore) Assets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.markets))
	for a := range s.markets {
		out = append(out, a)
	}
	return out
}
