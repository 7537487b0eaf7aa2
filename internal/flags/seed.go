package flags

import (
	"context"
	"strconv"
	"time"

	"github.com/xela07ax/multiregion-dashboard/internal/infra"
	"go.uber.org/zap"
)

const seedLockTTL = 30 * time.Second

// seed прогревает хеш флагов значениями по умолчанию.
// Распределенная блокировка (SetNX), чтобы заполнял только один инстанс.
// HSETNX не перетирает значения, уже выставленные операторами.
func (g *LiveGate) seed(ctx context.Context) error {
	ok, err := g.rdb.SetNX(ctx, infra.RedisKeyLockFlagsSeed, "processing", seedLockTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		g.logger.Debug("flags are being seeded by another instance")
		return nil
	}

	count, err := g.rdb.HLen(ctx, infra.RedisKeyFlags).Result()
	if err != nil {
		count = 0
		g.logger.Warn("could not check flags hash size, proceeding with seed",
			zap.String("key", infra.RedisKeyFlags), zap.Error(err))
	}

	pipe := g.rdb.Pipeline()
	for _, key := range sortedKeys(g.defaults) {
		pipe.HSetNX(ctx, infra.RedisKeyFlags, key, strconv.FormatBool(g.defaults[key]))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	if count == 0 {
		g.logger.Info("flags hash was empty, seeded with defaults",
			zap.String("key", infra.RedisKeyFlags), zap.Int("count", len(g.defaults)))
	}
	return nil
}
