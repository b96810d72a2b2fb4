package budget

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Spend keys expire well after the month ends; the governor's rollover
// stops reading them long before that.
const spendKeyTTL = 40 * 24 * time.Hour

// RedisSpendStore mirrors per-tenant spend totals in Redis so that every
// gateway replica enforces the same cap.
type RedisSpendStore struct {
	client *redis.Client
}

// NewRedisSpendStore wraps an existing Redis client. The caller owns the
// client lifecycle.
func NewRedisSpendStore(cli *redis.Client) *RedisSpendStore {
	return &RedisSpendStore{client: cli}
}

func spendKey(tenant, period string) string {
	return fmt.Sprintf("spend:%s:%s", tenant, period)
}

// AddSpend atomically adds amountUSD to the tenant's total for period and
// returns the new total.
func (s *RedisSpendStore) AddSpend(ctx context.Context, tenant, period string, amountUSD float64) (float64, error) {
	key := spendKey(tenant, period)

	total, err := s.client.IncrByFloat(ctx, key, amountUSD).Result()
	if err != nil {
		return 0, fmt.Errorf("budget: INCRBYFLOAT %s: %w", key, err)
	}
	// Best-effort expiry; a failed EXPIRE only delays cleanup.
	_ = s.client.Expire(ctx, key, spendKeyTTL).Err()

	return total, nil
}

// GetSpend returns the tenant's total for period; absent keys read as zero.
func (s *RedisSpendStore) GetSpend(ctx context.Context, tenant, period string) (float64, error) {
	key := spendKey(tenant, period)

	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("budget: GET %s: %w", key, err)
	}

	total, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("budget: malformed total in %s: %w", key, err)
	}
	return total, nil
}
