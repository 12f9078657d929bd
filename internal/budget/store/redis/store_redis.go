package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"chenu/internal/budget/models"
	id "chenu/pkg/domain"
	"chenu/pkg/platform/sentinel"
)

const (
	budgetKeyPrefix = "budget:"
	scanBatch       = 100
)

// swapScript replaces the budget only if it still holds the payload the
// caller read. Returns 1 on swap, 0 on a stale read, -1 when the key is gone.
var swapScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	return -1
end
if current ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

// RedisStore shares budgets across instances. Execute reads, applies the
// callbacks in process and commits with a compare-and-swap script, rereading
// whenever another writer committed first. It gives up only when ctx ends.
type RedisStore struct {
	client *redis.Client
}

func New(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func budgetKey(scopeID id.ScopeID) string {
	return budgetKeyPrefix + scopeID.String()
}

func (s *RedisStore) Get(ctx context.Context, scopeID id.ScopeID) (*models.TokenBudget, error) {
	raw, err := s.client.Get(ctx, budgetKey(scopeID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get budget: %w", err)
	}
	return decode(raw)
}

// Create uses SETNX so two provisioners cannot both create the same scope.
func (s *RedisStore) Create(ctx context.Context, b *models.TokenBudget) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal budget: %w", err)
	}
	ok, err := s.client.SetNX(ctx, budgetKey(b.ScopeID), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("create budget: %w", err)
	}
	if !ok {
		return sentinel.ErrConflict
	}
	return nil
}

func (s *RedisStore) Put(ctx context.Context, b *models.TokenBudget) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal budget: %w", err)
	}
	if err := s.client.Set(ctx, budgetKey(b.ScopeID), payload, 0).Err(); err != nil {
		return fmt.Errorf("put budget: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, scopeID id.ScopeID) error {
	if err := s.client.Del(ctx, budgetKey(scopeID)).Err(); err != nil {
		return fmt.Errorf("delete budget: %w", err)
	}
	return nil
}

// List scans the budget keyspace. The result is a point-in-time view per
// key, not a consistent snapshot across keys.
func (s *RedisStore) List(ctx context.Context) ([]*models.TokenBudget, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, budgetKeyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan budgets: %w", err)
	}
	if len(keys) == 0 {
		return []*models.TokenBudget{}, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load budgets: %w", err)
	}
	out := make([]*models.TokenBudget, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			// Deleted between SCAN and MGET.
			continue
		}
		b, err := decode([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScopeID < out[j].ScopeID })
	return out, nil
}

// Execute performs validate-then-mutate atomically per scope. Every losing
// writer rereads and retries, so concurrent uses that the budget can cover all
// succeed.
func (s *RedisStore) Execute(ctx context.Context, scopeID id.ScopeID, validate func(*models.TokenBudget) error, mutate func(*models.TokenBudget)) (*models.TokenBudget, error) {
	key := budgetKey(scopeID)

	for {
		raw, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, sentinel.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("get budget: %w", err)
		}
		b, err := decode([]byte(raw))
		if err != nil {
			return nil, err
		}
		if err := validate(b); err != nil {
			return nil, err
		}
		mutate(b)

		payload, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("marshal budget: %w", err)
		}
		swapped, err := swapScript.Run(ctx, s.client, []string{key}, raw, payload).Int()
		if err != nil {
			return nil, fmt.Errorf("swap budget: %w", err)
		}
		switch swapped {
		case 1:
			return b, nil
		case -1:
			return nil, sentinel.ErrNotFound
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("budget %s: %w", scopeID, err)
		}
	}
}

func decode(raw []byte) (*models.TokenBudget, error) {
	var b models.TokenBudget
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode budget: %w", err)
	}
	return &b, nil
}
