package qtrigger

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/quatton/qbatch/pkg/kv"
	"github.com/quatton/qbatch/pkg/qengine"
	"github.com/quatton/qbatch/pkg/qlog"
)

// Lock serialises runs of one pipeline across processes through a SetNX key.
// While a run holds it, the key's TTL is renewed every third of the TTL, so
// the TTL only bounds how long a crashed holder blocks the pipeline.
type Lock struct {
	store    kv.Store
	pipeline string
	owner    string
	ttl      time.Duration
	logger   *qlog.Logger
}

// NewLock creates a lock for pipeline. A zero ttl means DefaultLockTTL.
func NewLock(store kv.Store, pipeline string, ttl time.Duration, logger *qlog.Logger) *Lock {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if logger == nil {
		logger = qlog.NewDefault()
	}
	return &Lock{store: store, pipeline: pipeline, owner: lockOwner(), ttl: ttl, logger: logger}
}

func lockOwner() string {
	host, _ := os.Hostname()
	return host + "/" + uuid.NewString()
}

// Do runs fn while holding the lock, or returns ErrLocked without running it.
func (l *Lock) Do(ctx context.Context, fn RunFunc) (*qengine.RunReport, error) {
	ok, err := l.store.SetNX(ctx, LockKey(l.pipeline), []byte(l.owner), l.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}

	bg := context.WithoutCancel(ctx)
	renewCtx, stopRenew := context.WithCancel(bg)
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		l.keepAlive(renewCtx)
	}()
	defer func() {
		stopRenew()
		<-renewed
		l.unlock(bg)
	}()

	return fn(ctx)
}

func (l *Lock) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		held, err := l.store.ExpireIfValue(ctx, LockKey(l.pipeline), []byte(l.owner), l.ttl)
		switch {
		case err != nil:
			l.logger.Warn("renewing trigger lock", "pipeline", l.pipeline, "error", err)
		case !held:
			l.logger.Error("trigger lock lost while running", "pipeline", l.pipeline)
			return
		}
	}
}

func (l *Lock) unlock(ctx context.Context) {
	// The key may have expired and been taken by another owner.
	if _, err := l.store.DeleteIfValue(ctx, LockKey(l.pipeline), []byte(l.owner)); err != nil {
		l.logger.Warn("releasing trigger lock", "pipeline", l.pipeline, "error", err)
	}
}
