package agent

import (
	"errors"
	"math/rand"

	"gridsignal/internal/domain"
)

var ErrInsufficientData = errors.New("replay buffer below warm-up size")

// Replay is a fixed-capacity ring buffer of per-agent transitions.
// When full, a push evicts the oldest entry.
type Replay struct {
	buf    []domain.AgentTransition
	head   int
	size   int
	warmup int
}

func NewReplay(capacity, warmup int) *Replay {
	if capacity <= 0 {
		capacity = 1
	}
	if warmup <= 0 || warmup > capacity {
		warmup = capacity
	}
	return &Replay{
		buf:    make([]domain.AgentTransition, capacity),
		warmup: warmup,
	}
}

func (r *Replay) Push(t domain.AgentTransition) {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = t
		r.size++
		return
	}
	r.buf[r.head] = t
	r.head = (r.head + 1) % len(r.buf)
}

func (r *Replay) Len() int { return r.size }

func (r *Replay) Ready() bool { return r.size >= r.warmup }

// Sample draws k distinct transitions uniformly. k is clamped to the
// current size; the buffer must have reached warm-up first.
func (r *Replay) Sample(rng *rand.Rand, k int) ([]domain.AgentTransition, error) {
	if !r.Ready() {
		return nil, ErrInsufficientData
	}
	if k > r.size {
		k = r.size
	}
	perm := rng.Perm(r.size)
	out := make([]domain.AgentTransition, k)
	for i := 0; i < k; i++ {
		out[i] = r.buf[(r.head+perm[i])%len(r.buf)]
	}
	return out, nil
}
