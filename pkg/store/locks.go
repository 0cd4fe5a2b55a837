package store

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// lockTable implements the leased, per-key locks of the store contract.
// Locks serialise work within one controller process; keys are hierarchical
// strings built by the *LockKey helpers.
type lockTable struct {
	log   logrus.FieldLogger
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newLockTable(log logrus.FieldLogger) *lockTable {
	return &lockTable{
		log:   log.WithField("component", "locks"),
		locks: make(map[string]chan struct{}),
	}
}

// Lock acquires the lock for the given key, waiting at most timeout.
func (t *lockTable) Lock(key string, timeout time.Duration) (Lease, error) {
	t.mu.Lock()

	ch, ok := t.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		t.locks[key] = ch
	}

	t.mu.Unlock()

	select {
	case ch <- struct{}{}:
	default:
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case ch <- struct{}{}:
		case <-timer.C:
			return nil, ErrLockTimeout
		}
	}

	l := &lease{id: uuid.NewString(), key: key, ch: ch}
	t.log.WithFields(logrus.Fields{"key": key, "lease": l.id}).Trace("Lock acquired")

	return l, nil
}

type lease struct {
	id   string
	key  string
	ch   chan struct{}
	once sync.Once
}

// Release gives up the lease. Releasing more than once is harmless.
func (l *lease) Release() {
	l.once.Do(func() {
		<-l.ch
	})
}
