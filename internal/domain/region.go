package domain

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
)

type RegionRole string

const (
	RolePrimary RegionRole = "PRIMARY"
	RoleReplica RegionRole = "REPLICA"
)

// Region — описание одного региона (отдельная база Postgres).
// Значение неизменяемо после загрузки реестра, поэтому передаем по значению.
type Region struct {
	Code        string     `json:"code"` // Короткий код, например "us-east"
	Name        string     `json:"name"` // Человекочитаемое имя
	Role        RegionRole `json:"role"`
	Host        string     `json:"host"`
	Port        int        `json:"port"`
	Database    string     `json:"database"`
	User        string     `json:"user"`
	PasswordEnv string     `json:"-"` // Ссылка на секрет: имя переменной окружения
	DSNEnv      string     `json:"-"` // Переменная с полным DSN (перекрывает host/port/...)
	SSLMode     string     `json:"ssl_mode,omitempty"`
	Enabled     bool       `json:"enabled"` // Объявленный в конфиге флаг
}

// FlagKey возвращает ключ фича-флага, который включает регион.
func (r Region) FlagKey() string {
	return RegionFlagKey(r.Code)
}

// Configured сообщает, можно ли построить строку подключения.
func (r Region) Configured() bool {
	if r.DSNEnv != "" && os.Getenv(r.DSNEnv) != "" {
		return true
	}
	return r.Host != ""
}

// ConnString собирает DSN. Секрет читается в момент вызова, а не хранится в структуре.
func (r Region) ConnString() (string, error) {
	if r.DSNEnv != "" {
		if dsn := os.Getenv(r.DSNEnv); dsn != "" {
			return dsn, nil
		}
	}
	if r.Host == "" {
		return "", fmt.Errorf("region %s: no connection parameters configured", r.Code)
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   r.Host,
		Path:   "/" + r.Database,
	}
	if r.Port > 0 {
		u.Host = r.Host + ":" + strconv.Itoa(r.Port)
	}

	password := ""
	if r.PasswordEnv != "" {
		password = os.Getenv(r.PasswordEnv)
	}
	if password != "" {
		u.User = url.UserPassword(r.User, password)
	} else if r.User != "" {
		u.User = url.User(r.User)
	}

	if r.SSLMode != "" {
		q := url.Values{}
		q.Set("sslmode", r.SSLMode)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
