package domain

import (
	"errors"
	"fmt"
)

// ErrorKind — классификация отказов. Сырые ошибки драйвера наружу не уходят.
type ErrorKind string

const (
	KindUnknownRegion    ErrorKind = "UnknownRegion"
	KindConnectRefused   ErrorKind = "ConnectRefused"
	KindAuthFailed       ErrorKind = "AuthFailed"
	KindTimeout          ErrorKind = "Timeout"
	KindPoolExhausted    ErrorKind = "PoolExhausted"
	KindPoolClosed       ErrorKind = "PoolClosed"
	KindInvalidParameter ErrorKind = "InvalidParameter"
	KindUnknown          ErrorKind = "Unknown"
)

type Error struct {
	Kind   ErrorKind
	Region string
	Op     string // open, acquire, query, validate ...
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Region != "" {
		msg = fmt.Sprintf("region %s: %s", e.Region, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, region, op string, err error) *Error {
	return &Error{Kind: kind, Region: region, Op: op, Err: err}
}

// KindOf достает классификацию из цепочки ошибок. Неклассифицированная ошибка: Unknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// ErrUnknownRegion — хелпер для реестра и HTTP-слоя.
func ErrUnknownRegion(code string) *Error {
	return NewError(KindUnknownRegion, code, "lookup", fmt.Errorf("region %q is not registered", code))
}

func ErrInvalidParameter(region string, err error) *Error {
	return NewError(KindInvalidParameter, region, "validate", err)
}
