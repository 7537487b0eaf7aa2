package pool

import (
	"context"
	"errors"
	"net"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/puddle/v2"
	"github.com/xela07ax/multiregion-dashboard/internal/domain"
)

// Коды SQLSTATE класса 28: отказ в авторизации.
const (
	sqlStateInvalidAuthorization = "28000"
	sqlStateInvalidPassword      = "28P01"
)

// Classify превращает ошибку драйвера в *domain.Error. Уже классифицированные ошибки не трогает.
func Classify(region, op string, err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return domain.NewError(kindOf(err), region, op, err)
}

func kindOf(err error) domain.ErrorKind {
	if errors.Is(err, puddle.ErrClosedPool) {
		return domain.KindPoolClosed
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateInvalidAuthorization, sqlStateInvalidPassword:
			return domain.KindAuthFailed
		}
		return domain.KindUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || pgconn.Timeout(err) {
		return domain.KindTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return domain.KindConnectRefused
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return domain.KindConnectRefused
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.KindTimeout
	}

	return domain.KindUnknown
}
