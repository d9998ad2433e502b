package match

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/school-carpool/internal/models"
)

const matchIndexKey = "matches:by_id"

// acceptScript is the per-pair compare-and-set. Redis runs scripts
// atomically, so two accepts for the same pair can never both see "pending
// by the other side".
var acceptScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'matched' then
  return {'matched', redis.call('HGET', KEYS[1], 'match'), '0'}
end
if state == 'pending' then
  if redis.call('HGET', KEYS[1], 'acceptor') == ARGV[1] then
    return {'pending', '', '0'}
  end
  redis.call('HSET', KEYS[1], 'state', 'matched', 'match', ARGV[2])
  redis.call('HDEL', KEYS[1], 'acceptor')
  redis.call('HSET', KEYS[2], ARGV[3], ARGV[2])
  redis.call('ZADD', KEYS[3], ARGV[4], ARGV[3])
  redis.call('ZADD', KEYS[4], ARGV[4], ARGV[3])
  return {'matched', ARGV[2], '1'}
end
redis.call('HSET', KEYS[1], 'state', 'pending', 'acceptor', ARGV[1])
return {'pending', '', '0'}
`)

var rejectScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') == 'pending' and redis.call('HGET', KEYS[1], 'acceptor') == ARGV[1] then
  redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisPairStore keeps pair state in Redis hashes. The keys touched by one
// script are not hash-tagged, so it targets a single Redis node.
type RedisPairStore struct {
	client *redis.Client
}

func NewRedisPairStore(c *redis.Client) *RedisPairStore {
	return &RedisPairStore{client: c}
}

func pairKey(lo, hi string) string { return "pair:" + lo + ":" + hi }
func familyMatchesKey(id string) string { return "family:matches:" + id }

func (r *RedisPairStore) AcceptPair(ctx context.Context, from, to string, newMatch func(lo, hi string) models.Match) (Result, error) {
	lo, hi := models.PairKey(from, to)
	candidate := newMatch(lo, hi)
	raw, err := json.Marshal(candidate)
	if err != nil {
		return Result{}, fmt.Errorf("encode match: %w", err)
	}
	keys := []string{pairKey(lo, hi), matchIndexKey, familyMatchesKey(lo), familyMatchesKey(hi)}
	out, err := acceptScript.Run(ctx, r.client, keys, from, string(raw), candidate.ID, candidate.CreatedAt.UnixMilli()).StringSlice()
	if err != nil {
		return Result{}, fmt.Errorf("redis accept script: %w", err)
	}
	if len(out) != 3 {
		return Result{}, fmt.Errorf("redis accept script: unexpected reply %v", out)
	}
	if out[0] == "pending" {
		return Result{Outcome: OutcomePending}, nil
	}
	var m models.Match
	if err := json.Unmarshal([]byte(out[1]), &m); err != nil {
		return Result{}, fmt.Errorf("decode match: %w", err)
	}
	return Result{Outcome: OutcomeMatched, Match: m, Created: out[2] == "1"}, nil
}

func (r *RedisPairStore) RejectPair(ctx context.Context, from, to string) error {
	lo, hi := models.PairKey(from, to)
	if err := rejectScript.Run(ctx, r.client, []string{pairKey(lo, hi)}, from).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis reject script: %w", err)
	}
	return nil
}

func (r *RedisPairStore) Get(ctx context.Context, a, b string) (models.Match, bool, error) {
	lo, hi := models.PairKey(a, b)
	vals, err := r.client.HMGet(ctx, pairKey(lo, hi), "state", "match").Result()
	if err != nil {
		return models.Match{}, false, fmt.Errorf("redis get pair: %w", err)
	}
	if state, _ := vals[0].(string); state != "matched" {
		return models.Match{}, false, nil
	}
	raw, _ := vals[1].(string)
	var m models.Match
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return models.Match{}, false, fmt.Errorf("decode match: %w", err)
	}
	return m, true, nil
}

func (r *RedisPairStore) ByID(ctx context.Context, id string) (models.Match, error) {
	raw, err := r.client.HGet(ctx, matchIndexKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return models.Match{}, ErrNotFound
	}
	if err != nil {
		return models.Match{}, fmt.Errorf("redis get match: %w", err)
	}
	var m models.Match
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return models.Match{}, fmt.Errorf("decode match: %w", err)
	}
	return m, nil
}

func (r *RedisPairStore) ForFamily(ctx context.Context, id string) ([]models.Match, error) {
	ids, err := r.client.ZRange(ctx, familyMatchesKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list matches: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := r.client.HMGet(ctx, matchIndexKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load matches: %w", err)
	}
	out := make([]models.Match, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var m models.Match
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
