package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "regiondash"
)

// Ключи (состояние)
const (
	RedisKeyFlags         = RedisNamespace + ":flags"             // HASH: ключ флага -> "true"/"false"
	RedisKeyLockFlagsSeed = RedisNamespace + ":lock:warmup:flags" // Блокировка первичного заполнения
)

// Каналы Pub/Sub (события)
const (
	// RedisChanFlagUpdates — сигналы "flag-key:true|false" при переключении флага.
	RedisChanFlagUpdates = RedisNamespace + ":flags:updates"
)
