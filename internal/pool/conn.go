package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/multiregion-dashboard/internal/domain"
)

// Conn — то, что пул отдает вызывающему. *pgx.Conn удовлетворяет интерфейсу напрямую.
type Conn interface {
	Ping(ctx context.Context) error
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close(ctx context.Context) error
	IsClosed() bool
}

// Dialer устанавливает одно физическое соединение с базой региона.
type Dialer interface {
	Dial(ctx context.Context, region domain.Region) (Conn, error)
}

type DialFunc func(ctx context.Context, region domain.Region) (Conn, error)

func (f DialFunc) Dial(ctx context.Context, region domain.Region) (Conn, error) {
	return f(ctx, region)
}

// PgxDialer — боевой диалер поверх pgx.
type PgxDialer struct {
	ConnectTimeout  time.Duration
	ApplicationName string
}

func (d PgxDialer) Dial(ctx context.Context, region domain.Region) (Conn, error) {
	dsn, err := region.ConnString()
	if err != nil {
		return nil, domain.NewError(domain.KindUnknown, region.Code, "dial", err)
	}

	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		// Не печатаем DSN: в нем может быть пароль
		return nil, domain.NewError(domain.KindUnknown, region.Code, "dial", fmt.Errorf("invalid connection string"))
	}
	if d.ConnectTimeout > 0 {
		cfg.ConnectTimeout = d.ConnectTimeout
	}
	if d.ApplicationName != "" {
		cfg.RuntimeParams["application_name"] = d.ApplicationName
	}

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// RoutingDialer отправляет сконфигурированные регионы в Live, а остальные в Fallback (симулятор).
// Без Fallback регион без параметров подключения просто не откроется.
type RoutingDialer struct {
	Live     Dialer
	Fallback Dialer
}

func (d RoutingDialer) Dial(ctx context.Context, region domain.Region) (Conn, error) {
	if region.Configured() || d.Fallback == nil {
		return d.Live.Dial(ctx, region)
	}
	return d.Fallback.Dial(ctx, region)
}
