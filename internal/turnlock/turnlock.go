package turnlock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/redis/go-redis/v9"
	"scribeai/internal/util"
)

// ErrBusy is returned when the lock could not be taken within the wait budget.
var ErrBusy = errors.New("conversation busy")

var errHeld = errors.New("lock held")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Config tunes lock behaviour. Zero values take defaults.
type Config struct {
	Prefix string
	TTL    time.Duration
	Wait   time.Duration
	Poll   time.Duration
}

// Locker serialises conversation turns per file across chat replicas.
type Locker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
}

func New(client *redis.Client, cfg Config) (*Locker, error) {
	if client == nil {
		return nil, errors.New("turn lock redis client is required")
	}
	l := &Locker{
		client: client,
		prefix: strings.TrimSpace(cfg.Prefix),
		ttl:    cfg.TTL,
		wait:   cfg.Wait,
		poll:   cfg.Poll,
	}
	if l.prefix == "" {
		l.prefix = "scribe:turn"
	}
	if l.ttl <= 0 {
		l.ttl = 2 * time.Minute
	}
	if l.wait <= 0 {
		l.wait = 30 * time.Second
	}
	if l.poll <= 0 {
		l.poll = 100 * time.Millisecond
	}
	return l, nil
}

// Handle is a held lock. The TTL is extended in the background until
// Release is called.
type Handle struct {
	locker *Locker
	key    string
	token  string
	stop   chan struct{}
	once   sync.Once
	done   sync.WaitGroup
}

// Acquire blocks until the file's lock is taken, ctx ends, or the wait
// budget runs out (ErrBusy).
func (l *Locker) Acquire(ctx context.Context, fileID string) (*Handle, error) {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return nil, errors.New("file id required")
	}
	key := fmt.Sprintf("%s:%s", l.prefix, fileID)
	token := util.NewID()

	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()
	err := retry.Do(
		func() error {
			ok, err := l.client.SetNX(waitCtx, key, token, l.ttl).Result()
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if !ok {
				return errHeld
			}
			return nil
		},
		retry.Context(waitCtx),
		retry.Attempts(0),
		retry.Delay(l.poll),
		retry.MaxDelay(l.poll*5),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errHeld) }),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, errHeld) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("acquire turn lock: %w", err)
	}

	h := &Handle{locker: l, key: key, token: token, stop: make(chan struct{})}
	h.done.Add(1)
	go h.keepAlive()
	return h, nil
}

func (h *Handle) keepAlive() {
	defer h.done.Done()
	ticker := time.NewTicker(h.locker.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			n, err := extendScript.Run(ctx, h.locker.client, []string{h.key}, h.token, h.locker.ttl.Milliseconds()).Int()
			cancel()
			if err == nil && n == 0 {
				return
			}
		}
	}
}

// Release stops the keepalive and deletes the key only if this handle still
// owns it. Safe to call more than once.
func (h *Handle) Release(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		close(h.stop)
		h.done.Wait()
		err = releaseScript.Run(ctx, h.locker.client, []string{h.key}, h.token).Err()
	})
	return err
}

// Lock acquires the file's lock and returns a func that releases it.
func (l *Locker) Lock(ctx context.Context, fileID string) (func(), error) {
	h, err := l.Acquire(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Release(ctx)
	}, nil
}
