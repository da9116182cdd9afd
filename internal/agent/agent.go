package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"

	"gridsignal/internal/domain"
)

var ErrDiverged = errors.New("training diverged to a non-finite value")

type Config struct {
	ObservationSize int
	HiddenSize      int
	Gamma           float64
	ActorLR         float64
	CriticLR        float64
	EpsilonStart    float64
	EpsilonMin      float64
	EpsilonDecay    float64
	ReplayCapacity  int
	WarmupSize      int
	BatchSize       int
	Seed            int64
}

func (c Config) withDefaults() Config {
	if c.HiddenSize == 0 {
		c.HiddenSize = 64
	}
	if c.Gamma == 0 {
		c.Gamma = 0.95
	}
	if c.ActorLR == 0 {
		c.ActorLR = 1e-3
	}
	if c.CriticLR == 0 {
		c.CriticLR = 1e-2
	}
	if c.EpsilonStart == 0 {
		c.EpsilonStart = 1.0
	}
	if c.EpsilonMin == 0 {
		c.EpsilonMin = 0.01
	}
	if c.EpsilonDecay == 0 {
		c.EpsilonDecay = 0.995
	}
	if c.ReplayCapacity == 0 {
		c.ReplayCapacity = 10000
	}
	if c.WarmupSize == 0 {
		c.WarmupSize = 64
	}
	if c.BatchSize == 0 {
		c.BatchSize = 32
	}
	return c
}

// Agent owns one intersection: a policy network over the two signal
// directions, a state-value critic and a private replay buffer. It
// never sees other agents' observations.
type Agent struct {
	ID string

	cfg     Config
	actor   *network
	critic  *network
	replay  *Replay
	rng     *rand.Rand
	epsilon float64
}

func New(id string, cfg Config) *Agent {
	cfg = cfg.withDefaults()
	rng := rand.New(rand.NewSource(cfg.Seed))
	return &Agent{
		ID:      id,
		cfg:     cfg,
		actor:   newNetwork(rng, cfg.ObservationSize, cfg.HiddenSize, domain.DirectionCount),
		critic:  newNetwork(rng, cfg.ObservationSize, cfg.HiddenSize, 1),
		replay:  NewReplay(cfg.ReplayCapacity, cfg.WarmupSize),
		rng:     rng,
		epsilon: cfg.EpsilonStart,
	}
}

// SelectAction picks a direction for the current observation: with
// probability epsilon a uniform random one, otherwise the mode of the
// policy distribution. Epsilon itself is left untouched; decay happens
// once per episode through UpdateEpsilon.
func (a *Agent) SelectAction(obs domain.Observation) (domain.Direction, []float64) {
	probs := softmax(a.actor.forward(obs))
	if a.rng.Float64() < a.epsilon {
		return domain.Direction(a.rng.Intn(domain.DirectionCount)), probs
	}
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	return domain.Direction(best), probs
}

func (a *Agent) Push(t domain.AgentTransition) {
	a.replay.Push(t)
}

func (a *Agent) Ready() bool { return a.replay.Ready() }

// Train runs one minibatch update of critic and actor. Before the
// replay buffer reaches warm-up it does nothing and reports so.
func (a *Agent) Train() (bool, error) {
	batch, err := a.replay.Sample(a.rng, a.cfg.BatchSize)
	if errors.Is(err, ErrInsufficientData) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	for _, t := range batch {
		target := t.Reward
		if !t.Done {
			target += a.cfg.Gamma * a.critic.forward(t.After)[0]
		}
		value := a.critic.forward(t.Before)[0]
		delta := target - value
		if !finite([]float64{target, value, delta}) {
			return false, fmt.Errorf("%w: agent %s critic", ErrDiverged, a.ID)
		}
		a.critic.backward([]float64{value - target}, a.cfg.CriticLR)

		chosen := argmax(t.ActionProbs)
		probs := softmax(a.actor.forward(t.Before))
		if !finite(probs) {
			return false, fmt.Errorf("%w: agent %s actor", ErrDiverged, a.ID)
		}
		grad := make([]float64, len(probs))
		for i, p := range probs {
			grad[i] = delta * p
		}
		grad[chosen] -= delta
		a.actor.backward(grad, a.cfg.ActorLR)
	}
	return true, nil
}

// UpdateEpsilon applies one geometric decay step, clamped at the floor.
func (a *Agent) UpdateEpsilon() {
	a.epsilon *= a.cfg.EpsilonDecay
	if a.epsilon < a.cfg.EpsilonMin {
		a.epsilon = a.cfg.EpsilonMin
	}
}

func (a *Agent) Epsilon() float64 { return a.epsilon }

type snapshot struct {
	Actor   *network `json:"actor"`
	Critic  *network `json:"critic"`
	Epsilon float64  `json:"epsilon"`
}

func (a *Agent) Snapshot() ([]byte, error) {
	return json.Marshal(snapshot{Actor: a.actor, Critic: a.critic, Epsilon: a.epsilon})
}

func (a *Agent) Restore(data []byte) error {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode agent snapshot: %w", err)
	}
	if s.Actor == nil || s.Critic == nil {
		return errors.New("agent snapshot is missing a network")
	}
	a.actor = s.Actor
	a.critic = s.Critic
	a.epsilon = s.Epsilon
	return nil
}

func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}
