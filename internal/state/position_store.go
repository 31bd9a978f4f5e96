package state

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

type PositionKey struct {
	MarketID string
	UserID   uuid.UUID
}

// PositionStore owns every position record. Callers get copies and write
// them back with Put; records are never deleted, only reset to flat.
type PositionStore struct {
	mu          sync.RWMutex
	positions   map[PositionKey]*Position
	active      map[string]map[uuid.UUID]struct{}
	userMarkets map[uuid.UUID]map[string]struct{}
}

func NewPositionStore() *PositionStore {
	return &PositionStore{
		positions:   make(map[PositionKey]*Position),
		active:      make(map[string]map[uuid.UUID]struct{}),
		userMarkets: make(map[uuid.UUID]map[string]struct{}),
	}
}

// Get returns a copy of the position, or nil if the user never traded here
func (s *PositionStore) Get(marketID string, userID uuid.UUID) *Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if pos, ok := s.positions[PositionKey{MarketID: marketID, UserID: userID}]; ok {
		return pos.Clone()
	}
	return nil
}

// GetOrNew returns a copy of the position or a fresh flat one
func (s *PositionStore) GetOrNew(marketID string, userID uuid.UUID) *Position {
	if pos := s.Get(marketID, userID); pos != nil {
		return pos
	}
	return NewPosition(marketID, userID)
}

// Put stores a copy of pos and keeps the active sets in step with its size
func (s *PositionStore) Put(pos *Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := PositionKey{MarketID: pos.MarketID, UserID: pos.UserID}
	s.positions[key] = pos.Clone()

	if pos.IsFlat() {
		s.deactivateLocked(pos.MarketID, pos.UserID)
		return
	}
	users, ok := s.active[pos.MarketID]
	if !ok {
		users = make(map[uuid.UUID]struct{})
		s.active[pos.MarketID] = users
	}
	users[pos.UserID] = struct{}{}

	markets, ok := s.userMarkets[pos.UserID]
	if !ok {
		markets = make(map[string]struct{})
		s.userMarkets[pos.UserID] = markets
	}
	markets[pos.MarketID] = struct{}{}
}

// Deactivate drops a user from a market's active tracking
func (s *PositionStore) Deactivate(marketID string, userID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deactivateLocked(marketID, userID)
}

func (s *PositionStore) deactivateLocked(marketID string, userID uuid.UUID) {
	if users, ok := s.active[marketID]; ok {
		delete(users, userID)
	}
	if markets, ok := s.userMarkets[userID]; ok {
		delete(markets, marketID)
	}
}

// Active returns the users holding open positions in a market, sorted
func (s *PositionStore) Active(marketID string) []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(s.active[marketID]))
	for u := range s.active[marketID] {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// UserMarkets returns the markets where a user has open exposure, sorted
func (s *PositionStore) UserMarkets(userID uuid.UUID) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.userMarkets[userID]))
	for m := range s.userMarkets[userID] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// MarketPositions returns copies of every record in a market, flat ones included
func (s *PositionStore) MarketPositions(marketID string) []*Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Position, 0)
	for key, pos := range s.positions {
		if key.MarketID == marketID {
			out = append(out, pos.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID.String() < out[j].UserID.String() })
	return out
}

// GetUserPositions returns copies of all of a user's records
func (s *PositionStore) GetUserPositions(userID uuid.UUID) []*Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Position, 0)
	for key, pos := range s.positions {
		if key.UserID == userID {
			out = append(out, pos.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out
}
