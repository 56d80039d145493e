// Package inputbuffer holds the per slot queues between whoever produces input
// (the local poll or a receive handler) and the simulation step that consumes
// it. Each Buffer has exactly one producer and one consumer.
package inputbuffer

import (
	"context"
	"errors"

	"github.com/blukai/netplay/internal/protocol"
)

// DefaultCapacity bounds every buffer. Targets are clamped below it.
const DefaultCapacity = 256

var (
	ErrOverflow = errors.New("input buffer overflow")
	ErrStopped  = errors.New("input buffer stopped")
)

type Buffer[T any] struct {
	ch chan T
}

func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer[T]{ch: make(chan T, capacity)}
}

// Push never blocks; a full buffer drops v and returns ErrOverflow.
func (b *Buffer[T]) Push(v T) error {
	select {
	case b.ch <- v:
		return nil
	default:
		return ErrOverflow
	}
}

// Pop blocks until a sample is available. Underflow stalls the consumer
// rather than inventing input.
func (b *Buffer[T]) Pop(ctx context.Context, stop <-chan struct{}) (T, error) {
	// prefer queued input over a concurrent stop
	select {
	case v := <-b.ch:
		return v, nil
	default:
	}

	var zero T
	select {
	case v := <-b.ch:
		return v, nil
	case <-stop:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (b *Buffer[T]) TryPop() (T, bool) {
	select {
	case v := <-b.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

func (b *Buffer[T]) Len() int { return len(b.ch) }

func (b *Buffer[T]) Cap() int { return cap(b.ch) }

// Reset discards everything queued. Only the consumer may call it.
func (b *Buffer[T]) Reset() {
	for {
		select {
		case <-b.ch:
		default:
			return
		}
	}
}

// TopUp pushes copies of v while the buffer holds no more than target
// samples, calling sent for every copy pushed. It returns how many copies
// went in. The first call after a reset fills the buffer to target+1, later
// calls push one sample per consumed one.
func (b *Buffer[T]) TopUp(v T, target int, sent func(T)) (int, error) {
	target = min(max(target, 0), cap(b.ch)-1)

	n := 0
	for b.Len() <= target {
		if err := b.Push(v); err != nil {
			return n, err
		}
		if sent != nil {
			sent(v)
		}
		n++
	}
	return n, nil
}

// Slots is one buffer per controller slot.
type Slots[T any] [protocol.MaxPads]*Buffer[T]

func NewSlots[T any](capacity int) *Slots[T] {
	s := &Slots[T]{}
	for i := range s {
		s[i] = New[T](capacity)
	}
	return s
}

func (s *Slots[T]) Reset() {
	for _, b := range s {
		b.Reset()
	}
}
