package flags

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	resubscribeDelay = time.Second
	subscribeBackoff = 5 * time.Second
)

// listenResilient — "живучая" подписка на канал сигналов Redis.
// После каждой успешной подписки вызывается onReconnect: пока нас не было, сигналы могли потеряться.
func listenResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func() error,
	onMessage func(key string, enabled bool),
) {
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Warn("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			if !sleepCtx(ctx, subscribeBackoff) {
				return
			}
			continue
		}

		if err := onReconnect(); err != nil {
			logger.Warn("sync failed on reconnect", zap.Error(err))
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, переподключаемся
				}

				key, enabled, ok := decodeSignal(msg.Payload)
				if !ok {
					logger.Warn("invalid signal format", zap.String("payload", msg.Payload))
					continue
				}
				onMessage(key, enabled)
			}
		}

		pubsub.Close()
		if !sleepCtx(ctx, resubscribeDelay) {
			return
		}
	}
}

// Формат сигнала: "flag-key:true|false". Ключи флагов двоеточий не содержат.
func encodeSignal(key string, enabled bool) string {
	return key + ":" + strconv.FormatBool(enabled)
}

func decodeSignal(payload string) (string, bool, bool) {
	i := strings.LastIndexByte(payload, ':')
	if i <= 0 || i == len(payload)-1 {
		return "", false, false
	}
	key, raw := payload[:i], payload[i+1:]
	switch raw {
	case "true", "on", "1":
		return key, true, true
	case "false", "off", "0":
		return key, false, true
	}
	return "", false, false
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
