package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotProjected is returned for keys the projection has not written
var ErrNotProjected = errors.New("not projected")

// Store is where the projection worker writes views
type Store interface {
	WriteMarket(ctx context.Context, r MarketRecord) error
	WritePosition(ctx context.Context, r PositionRecord) error
	DeletePosition(ctx context.Context, marketID string, user uuid.UUID) error
	AppendFunding(ctx context.Context, r FundingRecord) error
	AppendLiquidation(ctx context.Context, r LiquidationRecord) error
	SetWatermark(ctx context.Context, seq int64) error
}

// RedisStore keeps projected views in Redis hashes and capped lists:
//
//	perp:market:<id>                 hash
//	perp:markets                     set of market ids
//	perp:position:<market>:<user>    hash
//	perp:user:<user>:markets         set of markets with an open position
//	perp:funding:<market>:<user>     list, newest first
//	perp:liquidations:<market>       list, newest first
//	perp:watermark                   last applied sequence
type RedisStore struct {
	rdb        redis.Cmdable
	historyCap int64
}

func NewRedisStore(rdb redis.Cmdable, historyCap int64) *RedisStore {
	if historyCap <= 0 {
		historyCap = 500
	}
	return &RedisStore{rdb: rdb, historyCap: historyCap}
}

func marketKey(id string) string { return fmt.Sprintf("perp:market:%s", id) }
func positionKey(market string, user uuid.UUID) string {
	return fmt.Sprintf("perp:position:%s:%s", market, user)
}
func userMarketsKey(user uuid.UUID) string { return fmt.Sprintf("perp:user:%s:markets", user) }
func fundingKey(market string, user uuid.UUID) string {
	return fmt.Sprintf("perp:funding:%s:%s", market, user)
}
func liquidationsKey(market string) string { return fmt.Sprintf("perp:liquidations:%s", market) }

const (
	marketsKey   = "perp:markets"
	watermarkKey = "perp:watermark"
)

// --- Writes ---

func (s *RedisStore) WriteMarket(ctx context.Context, r MarketRecord) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, marketKey(r.ID), r.fields())
		pipe.SAdd(ctx, marketsKey, r.ID)
		return nil
	})
	return err
}

func (s *RedisStore) WritePosition(ctx context.Context, r PositionRecord) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, positionKey(r.MarketID, r.UserID), r.fields())
		pipe.SAdd(ctx, userMarketsKey(r.UserID), r.MarketID)
		return nil
	})
	return err
}

func (s *RedisStore) DeletePosition(ctx context.Context, marketID string, user uuid.UUID) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, positionKey(marketID, user))
		pipe.SRem(ctx, userMarketsKey(user), marketID)
		return nil
	})
	return err
}

func (s *RedisStore) AppendFunding(ctx context.Context, r FundingRecord) error {
	return s.push(ctx, fundingKey(r.MarketID, r.UserID), r)
}

func (s *RedisStore) AppendLiquidation(ctx context.Context, r LiquidationRecord) error {
	return s.push(ctx, liquidationsKey(r.MarketID), r)
}

func (s *RedisStore) push(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, s.historyCap-1)
		return nil
	})
	return err
}

func (s *RedisStore) SetWatermark(ctx context.Context, seq int64) error {
	return s.rdb.Set(ctx, watermarkKey, seq, 0).Err()
}

// --- Reads ---

func (s *RedisStore) Market(ctx context.Context, id string) (MarketRecord, error) {
	h, err := s.rdb.HGetAll(ctx, marketKey(id)).Result()
	if err != nil {
		return MarketRecord{}, err
	}
	if len(h) == 0 {
		return MarketRecord{}, fmt.Errorf("%w: market %s", ErrNotProjected, id)
	}
	return marketFromHash(h)
}

func (s *RedisStore) Markets(ctx context.Context) ([]MarketRecord, error) {
	ids, err := s.rdb.SMembers(ctx, marketsKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]MarketRecord, 0, len(ids))
	for _, id := range ids {
		m, err := s.Market(ctx, id)
		if errors.Is(err, ErrNotProjected) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisStore) Position(ctx context.Context, marketID string, user uuid.UUID) (PositionRecord, error) {
	h, err := s.rdb.HGetAll(ctx, positionKey(marketID, user)).Result()
	if err != nil {
		return PositionRecord{}, err
	}
	if len(h) == 0 {
		return PositionRecord{}, fmt.Errorf("%w: position %s/%s", ErrNotProjected, marketID, user)
	}
	return positionFromHash(h)
}

func (s *RedisStore) UserPositions(ctx context.Context, user uuid.UUID) ([]PositionRecord, error) {
	markets, err := s.rdb.SMembers(ctx, userMarketsKey(user)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(markets)
	out := make([]PositionRecord, 0, len(markets))
	for _, m := range markets {
		p, err := s.Position(ctx, m, user)
		if errors.Is(err, ErrNotProjected) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *RedisStore) FundingHistory(ctx context.Context, marketID string, user uuid.UUID, limit int64) ([]FundingRecord, error) {
	var out []FundingRecord
	err := s.list(ctx, fundingKey(marketID, user), limit, func(data []byte) error {
		var r FundingRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

func (s *RedisStore) Liquidations(ctx context.Context, marketID string, limit int64) ([]LiquidationRecord, error) {
	var out []LiquidationRecord
	err := s.list(ctx, liquidationsKey(marketID), limit, func(data []byte) error {
		var r LiquidationRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

func (s *RedisStore) list(ctx context.Context, key string, limit int64, decode func([]byte) error) error {
	if limit <= 0 || limit > s.historyCap {
		limit = s.historyCap
	}
	items, err := s.rdb.LRange(ctx, key, 0, limit-1).Result()
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := decode([]byte(item)); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
	}
	return nil
}

// Watermark returns the last applied sequence, or 0 before the first write
func (s *RedisStore) Watermark(ctx context.Context) (int64, error) {
	v, err := s.rdb.Get(ctx, watermarkKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}
