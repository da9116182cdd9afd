package env

import (
	"context"
	"errors"
	"fmt"
	"log"

	"gridsignal/internal/domain"
	"gridsignal/internal/sumo"
)

var (
	ErrNotInitialized         = errors.New("environment is not initialized, call Reset first")
	ErrShapeMismatch          = errors.New("joint action length does not match intersection count")
	ErrInvalidAction          = errors.New("action outside the direction domain")
	ErrIntersectionSetChanged = errors.New("intersection set changed between episodes")
)

// Opener produces a fresh simulator session. Exactly one session is
// live between Reset and Close.
type Opener interface {
	Open(ctx context.Context) (sumo.Client, error)
}

// Env adapts the raw simulator boundary to the agent-shaped contract:
// fixed-length observations, a two-valued action per intersection and a
// scalar local reward. Intersection count, controlled-lane lists and
// the global maximum lane count are latched once per Reset and never
// recomputed mid-episode, because agent shapes derive from them.
type Env struct {
	opener           Opener
	phases           PhaseTable
	decisionInterval int
	logger           *log.Logger

	session       sumo.Client
	intersections []domain.Intersection
	maxLanes      int
	knownIDs      []string
	elapsed       int
}

func New(opener Opener, phases PhaseTable, decisionInterval int, logger *log.Logger) *Env {
	if decisionInterval <= 0 {
		decisionInterval = 10
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Env{
		opener:           opener,
		phases:           phases,
		decisionInterval: decisionInterval,
		logger:           logger,
	}
}

func (e *Env) Reset(ctx context.Context) (domain.JointState, error) {
	if e.session != nil {
		_ = e.Close()
	}

	session, err := e.opener.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open simulator session: %w", err)
	}
	e.session = session
	e.elapsed = 0

	if err := session.SimulationStep(ctx); err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("materialize initial traffic: %w", err)
	}
	e.elapsed++

	ids, err := session.TrafficLightIDs(ctx)
	if err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("enumerate intersections: %w", err)
	}
	if len(ids) == 0 {
		_ = e.Close()
		return nil, fmt.Errorf("scenario has no signal-controlled intersections")
	}
	if e.knownIDs != nil && !sameIDs(e.knownIDs, ids) {
		_ = e.Close()
		return nil, fmt.Errorf("%w: had %v, got %v", ErrIntersectionSetChanged, e.knownIDs, ids)
	}

	intersections := make([]domain.Intersection, 0, len(ids))
	maxLanes := 0
	for _, id := range ids {
		lanes, err := session.ControlledLanes(ctx, id)
		if err != nil {
			_ = e.Close()
			return nil, fmt.Errorf("read controlled lanes of %s: %w", id, err)
		}
		lanes = dedupLanes(lanes)
		if len(lanes) > maxLanes {
			maxLanes = len(lanes)
		}
		phase, err := session.Phase(ctx, id)
		if err != nil {
			_ = e.Close()
			return nil, fmt.Errorf("read phase of %s: %w", id, err)
		}
		intersections = append(intersections, domain.Intersection{
			ID:        id,
			Lanes:     lanes,
			Direction: e.phases.DirectionOf(phase),
			Phase:     phase,
		})
	}

	e.intersections = intersections
	e.maxLanes = maxLanes
	if e.knownIDs == nil {
		e.knownIDs = append([]string(nil), ids...)
	}

	return e.jointState(ctx)
}

func (e *Env) Step(ctx context.Context, actions domain.JointAction) (domain.JointState, domain.JointReward, bool, error) {
	if e.session == nil {
		return nil, nil, false, ErrNotInitialized
	}
	if len(actions) != len(e.intersections) {
		return nil, nil, false, fmt.Errorf("%w: got %d, want %d", ErrShapeMismatch, len(actions), len(e.intersections))
	}
	for i, a := range actions {
		if !a.Valid() {
			return nil, nil, false, fmt.Errorf("%w: action %d at index %d", ErrInvalidAction, a, i)
		}
	}

	if err := e.applyActions(ctx, actions); err != nil {
		return nil, nil, false, err
	}

	for i := 0; i < e.decisionInterval; i++ {
		if err := e.session.SimulationStep(ctx); err != nil {
			return nil, nil, false, fmt.Errorf("advance simulation: %w", err)
		}
		e.elapsed++
	}

	// Current phases are re-read after advancing: the simulator keeps
	// cycling sub-phases between decisions.
	for i := range e.intersections {
		phase, err := e.session.Phase(ctx, e.intersections[i].ID)
		if err != nil {
			return nil, nil, false, fmt.Errorf("read phase of %s: %w", e.intersections[i].ID, err)
		}
		e.intersections[i].Phase = phase
		e.intersections[i].Direction = e.phases.DirectionOf(phase)
	}

	state, err := e.jointState(ctx)
	if err != nil {
		return nil, nil, false, err
	}

	reward := make(domain.JointReward, len(e.intersections))
	for i, inter := range e.intersections {
		r, err := intersectionReward(ctx, e.session, inter.Lanes)
		if err != nil {
			return nil, nil, false, err
		}
		reward[i] = r
	}

	pending, err := e.session.MinExpectedVehicles(ctx)
	if err != nil {
		return nil, nil, false, fmt.Errorf("read expected vehicle count: %w", err)
	}

	return state, reward, pending == 0, nil
}

// applyActions issues a phase instruction only where the requested
// direction differs from the current one; an unchanged direction lets
// the simulator continue its own sub-phase cycling undisturbed.
func (e *Env) applyActions(ctx context.Context, actions domain.JointAction) error {
	for i, want := range actions {
		inter := &e.intersections[i]
		if want == inter.Direction {
			continue
		}
		entry := e.phases.EntryPhase(want)
		if err := e.session.SetPhase(ctx, inter.ID, entry); err != nil {
			return fmt.Errorf("switch %s to direction %d: %w", inter.ID, want, err)
		}
		inter.Direction = want
		inter.Phase = entry
	}
	return nil
}

func (e *Env) Close() error {
	if e.session == nil {
		return nil
	}
	err := e.session.Close()
	e.session = nil
	e.intersections = nil
	return err
}

func (e *Env) Intersections() ([]domain.Intersection, error) {
	if e.session == nil {
		return nil, ErrNotInitialized
	}
	out := make([]domain.Intersection, len(e.intersections))
	copy(out, e.intersections)
	return out, nil
}

func (e *Env) MaxLanes() (int, error) {
	if e.session == nil {
		return 0, ErrNotInitialized
	}
	return e.maxLanes, nil
}

func (e *Env) Elapsed() (int, error) {
	if e.session == nil {
		return 0, ErrNotInitialized
	}
	return e.elapsed, nil
}

func (e *Env) jointState(ctx context.Context) (domain.JointState, error) {
	state := make(domain.JointState, 0, len(e.intersections))
	for _, inter := range e.intersections {
		obs, err := encodeObservation(ctx, e.session, inter.Lanes, inter.Direction, e.maxLanes)
		if err != nil {
			return nil, err
		}
		state = append(state, obs)
	}
	return state, nil
}

func dedupLanes(lanes []string) []string {
	seen := make(map[string]struct{}, len(lanes))
	out := make([]string, 0, len(lanes))
	for _, lane := range lanes {
		if _, ok := seen[lane]; ok {
			continue
		}
		seen[lane] = struct{}{}
		out = append(out, lane)
	}
	return out
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
