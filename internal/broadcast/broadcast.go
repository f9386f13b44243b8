package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrLagged reports that the writer overwrote entries the subscriber had
	// not read yet. The cursor is advanced to the oldest retained entry, so a
	// caller that wants to continue can simply Recv again.
	ErrLagged = errors.New("broadcast: subscriber lagged")

	// ErrClosed reports that the broadcaster shut down and the backlog is drained.
	ErrClosed = errors.New("broadcast: closed")
)

// Broadcaster fans values out to any number of subscribers over a bounded
// ring. Publish overwrites the oldest entry when the ring is full and never
// blocks, so producers are isolated from slow consumers.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []T
	head   uint64 // sequence number of the next write
	closed bool
}

func NewBroadcaster[T any](capacity int) *Broadcaster[T] {
	if capacity <= 0 {
		capacity = 1
	}
	b := &Broadcaster[T]{buf: make([]T, capacity)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.buf[b.head%uint64(len(b.buf))] = v
	b.head++
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Close wakes every blocked subscriber; pending entries remain readable until
// each cursor drains, after which Recv returns ErrClosed.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Subscription is one subscriber's read cursor into the ring.
type Subscription[T any] struct {
	id     uuid.UUID
	b      *Broadcaster[T]
	cursor uint64
}

// Subscribe starts at the current head: the subscriber sees only values
// published after this call, never a replay.
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &Subscription[T]{id: uuid.New(), b: b, cursor: b.head}
}

func (s *Subscription[T]) ID() uuid.UUID {
	return s.id
}

// Recv blocks until a value is available, the broadcaster closes, or ctx is
// cancelled. A reader the writer has lapped gets ErrLagged once with its
// cursor moved to the oldest retained value.
func (s *Subscription[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	b := s.b

	stop := context.AfterFunc(ctx, b.cond.Broadcast)
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if lag := b.head - s.cursor; lag > 0 {
			if lag > uint64(len(b.buf)) {
				s.cursor = b.head - uint64(len(b.buf))
				return zero, ErrLagged
			}
			v := b.buf[s.cursor%uint64(len(b.buf))]
			s.cursor++
			return v, nil
		}
		if b.closed {
			return zero, ErrClosed
		}
		b.cond.Wait()
	}
}
