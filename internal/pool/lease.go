package pool

import (
	"sync"
	"time"

	"github.com/jackc/puddle/v2"
)

// Lease — эксклюзивно арендованное соединение. Его нужно вернуть (Release) или выбросить (Discard);
// повторные вызовы безопасны.
type Lease struct {
	region     string
	res        *puddle.Resource[Conn]
	acquiredAt time.Time
	once       sync.Once
}

func (l *Lease) Conn() Conn { return l.res.Value() }

func (l *Lease) Region() string { return l.region }

func (l *Lease) AcquiredAt() time.Time { return l.acquiredAt }

// Release возвращает соединение в пул. Закрытое драйвером соединение уничтожается.
func (l *Lease) Release() {
	l.once.Do(func() {
		if l.res.Value().IsClosed() {
			l.res.Destroy()
			return
		}
		l.res.Release()
	})
}

func (l *Lease) Discard() {
	l.once.Do(l.res.Destroy)
}
