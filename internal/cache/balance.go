package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// BalanceCache keeps a read-side copy of wallet balances in Redis. It is
// refreshed after settlement finalization and is advisory only: balance
// decisions always read the ledger inside a transaction.
type BalanceCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewBalanceCache(rdb redis.Cmdable, ttl time.Duration) *BalanceCache {
	return &BalanceCache{rdb: rdb, ttl: ttl}
}

// Set stores a balance. Failures are logged, never propagated.
func (c *BalanceCache) Set(ctx context.Context, walletID uuid.UUID, kind string, micros int64) {
	if c == nil || c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, balanceKey(walletID, kind), strconv.FormatInt(micros, 10), c.ttl).Err(); err != nil {
		zap.L().Warn("balance cache set failed", zap.Error(err), zap.String("wallet_id", walletID.String()))
	}
}

// Get returns the cached balance and whether it was present.
func (c *BalanceCache) Get(ctx context.Context, walletID uuid.UUID, kind string) (int64, bool) {
	if c == nil || c.rdb == nil {
		return 0, false
	}
	val, err := c.rdb.Get(ctx, balanceKey(walletID, kind)).Result()
	if err != nil {
		if err != redis.Nil {
			zap.L().Warn("balance cache get failed", zap.Error(err), zap.String("wallet_id", walletID.String()))
		}
		return 0, false
	}
	micros, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return micros, true
}

// Invalidate drops a cached balance.
func (c *BalanceCache) Invalidate(ctx context.Context, walletID uuid.UUID, kind string) {
	if c == nil || c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, balanceKey(walletID, kind)).Err(); err != nil {
		zap.L().Warn("balance cache invalidate failed", zap.Error(err))
	}
}

func balanceKey(walletID uuid.UUID, kind string) string {
	return fmt.Sprintf("wallet:%s:%s", walletID, kind)
}
