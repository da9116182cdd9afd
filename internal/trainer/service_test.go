package trainer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"strings"
	"testing"

	"gridsignal/internal/agent"
	"gridsignal/internal/domain"
)

type memStore struct {
	runs        map[string]domain.Run
	episodes    map[string][]domain.Episode
	checkpoints map[string]map[string]domain.Checkpoint
	logEntries  []domain.TrainingLog
}

func newMemStore() *memStore {
	return &memStore{
		runs:        map[string]domain.Run{},
		episodes:    map[string][]domain.Episode{},
		checkpoints: map[string]map[string]domain.Checkpoint{},
	}
}

func (m *memStore) CreateRun(_ context.Context, run domain.Run) error {
	m.runs[run.ID] = run
	return nil
}

func (m *memStore) GetRun(_ context.Context, runID string) (domain.Run, error) {
	run, ok := m.runs[runID]
	if !ok {
		return domain.Run{}, fmt.Errorf("run %s not found", runID)
	}
	return run, nil
}

func (m *memStore) ListRuns(context.Context) ([]domain.Run, error) {
	out := make([]domain.Run, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) UpdateRunStatus(_ context.Context, runID string, status domain.RunStatus, lastError string) error {
	run := m.runs[runID]
	run.Status = status
	run.LastError = lastError
	m.runs[runID] = run
	return nil
}

func (m *memStore) SetRunShape(_ context.Context, runID string, agents, observationDim int) error {
	run := m.runs[runID]
	run.Agents = agents
	run.ObservationD = observationDim
	m.runs[runID] = run
	return nil
}

func (m *memStore) CreateEpisode(_ context.Context, ep domain.Episode) error {
	m.episodes[ep.RunID] = append(m.episodes[ep.RunID], ep)
	run := m.runs[ep.RunID]
	run.EpisodesDone++
	m.runs[ep.RunID] = run
	return nil
}

func (m *memStore) ListEpisodes(_ context.Context, runID string) ([]domain.Episode, error) {
	return m.episodes[runID], nil
}

func (m *memStore) SaveCheckpoint(_ context.Context, cp domain.Checkpoint) error {
	if m.checkpoints[cp.RunID] == nil {
		m.checkpoints[cp.RunID] = map[string]domain.Checkpoint{}
	}
	m.checkpoints[cp.RunID][cp.IntersectionID] = cp
	return nil
}

func (m *memStore) GetCheckpoint(_ context.Context, runID, intersectionID string) (domain.Checkpoint, error) {
	cp, ok := m.checkpoints[runID][intersectionID]
	if !ok {
		return domain.Checkpoint{}, fmt.Errorf("checkpoint for %s in run %s not found", intersectionID, runID)
	}
	return cp, nil
}

func (m *memStore) ListCheckpoints(_ context.Context, runID string) ([]domain.Checkpoint, error) {
	out := make([]domain.Checkpoint, 0, len(m.checkpoints[runID]))
	for _, cp := range m.checkpoints[runID] {
		out = append(out, cp)
	}
	return out, nil
}

func (m *memStore) LogTraining(_ context.Context, entry domain.TrainingLog) error {
	m.logEntries = append(m.logEntries, entry)
	return nil
}

func (m *memStore) ListTrainingLog(_ context.Context, runID string, limit int) ([]domain.TrainingLog, error) {
	return m.logEntries, nil
}

type recordingBus struct {
	events []domain.ProgressEvent
}

func (b *recordingBus) Publish(evt domain.ProgressEvent) error {
	b.events = append(b.events, evt)
	return nil
}

func (b *recordingBus) kinds() []domain.EventKind {
	out := make([]domain.EventKind, len(b.events))
	for i, evt := range b.events {
		out[i] = evt.Kind
	}
	return out
}

// fakeEnv drains after drainAfter steps of each episode and hands every
// agent the same constant reward.
type fakeEnv struct {
	agents     int
	obsDim     int
	drainAfter int
	reward     float64

	// agentsAfterReset and obsDimAfterReset, when set, change the
	// joint-state shape from the given reset count onward.
	agentsAfterReset map[int]int
	obsDimAfterReset map[int]int

	resets int
	steps  int
	closes int
}

func (e *fakeEnv) width() int {
	if n, ok := e.agentsAfterReset[e.resets]; ok {
		return n
	}
	return e.agents
}

func (e *fakeEnv) dim() int {
	if n, ok := e.obsDimAfterReset[e.resets]; ok {
		return n
	}
	return e.obsDim
}

func (e *fakeEnv) state() domain.JointState {
	out := make(domain.JointState, e.width())
	for i := range out {
		obs := make(domain.Observation, e.dim())
		for j := range obs {
			obs[j] = float64(i + j)
		}
		out[i] = obs
	}
	return out
}

func (e *fakeEnv) Reset(context.Context) (domain.JointState, error) {
	e.resets++
	e.steps = 0
	return e.state(), nil
}

func (e *fakeEnv) Step(_ context.Context, actions domain.JointAction) (domain.JointState, domain.JointReward, bool, error) {
	if len(actions) != e.width() {
		return nil, nil, false, fmt.Errorf("got %d actions, want %d", len(actions), e.width())
	}
	e.steps++
	rewards := make(domain.JointReward, e.width())
	for i := range rewards {
		rewards[i] = e.reward
	}
	return e.state(), rewards, e.steps >= e.drainAfter, nil
}

func (e *fakeEnv) Intersections() ([]domain.Intersection, error) {
	out := make([]domain.Intersection, e.width())
	for i := range out {
		out[i] = domain.Intersection{ID: fmt.Sprintf("tl_%d", i)}
	}
	return out, nil
}

func (e *fakeEnv) Close() error {
	e.closes++
	return nil
}

func testConfig() Config {
	return Config{
		Episodes:   3,
		MaxSteps:   8,
		WarmupSize: 2,
		BatchSize:  2,
		HiddenSize: 4,
		Seed:       1,
	}
}

func newTestService(store Store, bus Bus, env Environment, cfg Config) *Service {
	return New(store, bus, env, cfg, log.New(os.Stderr, "", 0))
}

func TestRunCompletes(t *testing.T) {
	store := newMemStore()
	bus := &recordingBus{}
	env := &fakeEnv{agents: 2, obsDim: 4, drainAfter: 5, reward: -1}
	svc := newTestService(store, bus, env, testConfig())
	svc.TravelTime = func() (float64, error) { return 42.5, nil }

	run, err := svc.Run(context.Background(), "grid2x2")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != domain.RunStatusCompleted {
		t.Fatalf("status=%s want=%s", run.Status, domain.RunStatusCompleted)
	}

	stored, err := store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if stored.Status != domain.RunStatusCompleted {
		t.Fatalf("stored status=%s", stored.Status)
	}
	if stored.Agents != 2 || stored.ObservationD != 4 {
		t.Fatalf("shape agents=%d obs=%d want 2/4", stored.Agents, stored.ObservationD)
	}
	if stored.EpisodesDone != 3 {
		t.Fatalf("episodes done=%d want=3", stored.EpisodesDone)
	}

	episodes := store.episodes[run.ID]
	if len(episodes) != 3 {
		t.Fatalf("episodes=%d want=3", len(episodes))
	}
	for i, ep := range episodes {
		if ep.Number != i+1 {
			t.Fatalf("episode %d has number %d", i, ep.Number)
		}
		if ep.Steps != 5 {
			t.Fatalf("episode %d steps=%d want=5", i, ep.Steps)
		}
		if !ep.Done {
			t.Fatalf("episode %d not marked drained", i)
		}
		if ep.AvgTravelTime != 42.5 {
			t.Fatalf("episode %d travel time=%v", i, ep.AvgTravelTime)
		}
		if ep.Reward != -10 {
			t.Fatalf("episode %d reward=%v want=-10", i, ep.Reward)
		}
	}
	// Epsilon narrows across episodes as training ticks accumulate.
	if episodes[0].Epsilon <= episodes[2].Epsilon {
		t.Fatalf("epsilon did not decay: %v -> %v", episodes[0].Epsilon, episodes[2].Epsilon)
	}

	if env.resets != 3 || env.closes != 3 {
		t.Fatalf("resets=%d closes=%d want 3/3", env.resets, env.closes)
	}

	cps := store.checkpoints[run.ID]
	if len(cps) != 2 {
		t.Fatalf("checkpoints=%d want=2", len(cps))
	}
	for _, id := range []string{"tl_0", "tl_1"} {
		if len(cps[id].Parameters) == 0 {
			t.Fatalf("checkpoint for %s is empty", id)
		}
	}

	kinds := bus.kinds()
	if len(kinds) == 0 || kinds[0] != domain.EventRunStarted {
		t.Fatalf("first event=%v want=%v", kinds, domain.EventRunStarted)
	}
	if kinds[len(kinds)-1] != domain.EventRunFinished {
		t.Fatalf("last event=%v", kinds[len(kinds)-1])
	}
	var finished int
	for _, k := range kinds {
		if k == domain.EventEpisodeFinished {
			finished++
		}
	}
	if finished != 3 {
		t.Fatalf("episode_finished events=%d want=3", finished)
	}
}

func TestRunCanceledMarksRunCanceled(t *testing.T) {
	store := newMemStore()
	env := &fakeEnv{agents: 1, obsDim: 4, drainAfter: 5, reward: -1}
	svc := newTestService(store, &recordingBus{}, env, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := svc.Run(ctx, "grid2x2")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
	if run.Status != domain.RunStatusCanceled {
		t.Fatalf("status=%s want=%s", run.Status, domain.RunStatusCanceled)
	}
	stored, _ := store.GetRun(context.Background(), run.ID)
	if stored.Status != domain.RunStatusCanceled {
		t.Fatalf("stored status=%s", stored.Status)
	}
}

func TestRunFailsWhenAgentCountChanges(t *testing.T) {
	store := newMemStore()
	env := &fakeEnv{
		agents:           2,
		obsDim:           4,
		drainAfter:       2,
		reward:           -1,
		agentsAfterReset: map[int]int{2: 1},
	}
	svc := newTestService(store, &recordingBus{}, env, testConfig())

	run, err := svc.Run(context.Background(), "grid2x2")
	if err == nil {
		t.Fatalf("expected shrinking intersection set to fail the run")
	}
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("status=%s want=%s", run.Status, domain.RunStatusFailed)
	}
	if run.LastError == "" {
		t.Fatalf("run carries no error detail")
	}
}

func TestEpsilonDecaysPerTrainingTick(t *testing.T) {
	store := newMemStore()
	env := &fakeEnv{agents: 1, obsDim: 4, drainAfter: 8, reward: -1}
	cfg := Config{
		Episodes:     1,
		MaxSteps:     8,
		WarmupSize:   1,
		BatchSize:    1,
		HiddenSize:   4,
		Seed:         1,
		EpsilonDecay: 0.5,
		EpsilonMin:   0.001,
	}
	svc := newTestService(store, &recordingBus{}, env, cfg)

	run, err := svc.Run(context.Background(), "grid2x2")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	episodes := store.episodes[run.ID]
	if len(episodes) != 1 || episodes[0].Steps != 8 {
		t.Fatalf("episodes=%+v want one 8-step episode", episodes)
	}
	// Every tick trains with warmup 1, so the episode carries one decay
	// per tick: 0.5^8.
	want := 0.00390625
	if got := episodes[0].Epsilon; got != want {
		t.Fatalf("epsilon=%v want=%v (one decay per training tick)", got, want)
	}
}

func TestRunFailsWhenObservationWidthChanges(t *testing.T) {
	store := newMemStore()
	env := &fakeEnv{
		agents:           1,
		obsDim:           4,
		drainAfter:       2,
		reward:           -1,
		obsDimAfterReset: map[int]int{2: 6},
	}
	svc := newTestService(store, &recordingBus{}, env, testConfig())

	run, err := svc.Run(context.Background(), "grid2x2")
	if err == nil {
		t.Fatalf("expected widened observations to fail the run")
	}
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("status=%s want=%s", run.Status, domain.RunStatusFailed)
	}
	if !strings.Contains(run.LastError, "6-wide") {
		t.Fatalf("error %q does not name the observation width", run.LastError)
	}
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	store := newMemStore()
	src := agent.New("tl_0", agent.Config{ObservationSize: 4, HiddenSize: 4, EpsilonStart: 0.25, Seed: 9})
	params, err := src.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	store.checkpoints["prev"] = map[string]domain.Checkpoint{
		"tl_0": {RunID: "prev", IntersectionID: "tl_0", Parameters: params},
	}

	env := &fakeEnv{agents: 1, obsDim: 4, drainAfter: 2, reward: -1}
	cfg := testConfig()
	cfg.Episodes = 1
	cfg.WarmupSize = 1000 // never trains, so the restored epsilon survives
	cfg.ResumeRunID = "prev"
	svc := newTestService(store, &recordingBus{}, env, cfg)

	run, err := svc.Run(context.Background(), "grid2x2")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	episodes := store.episodes[run.ID]
	if len(episodes) != 1 {
		t.Fatalf("episodes=%d want=1", len(episodes))
	}
	if episodes[0].Epsilon != 0.25 {
		t.Fatalf("epsilon=%v want the restored 0.25", episodes[0].Epsilon)
	}
}

func TestRunFailsWhenResumeCheckpointMissing(t *testing.T) {
	store := newMemStore()
	env := &fakeEnv{agents: 1, obsDim: 4, drainAfter: 2, reward: -1}
	cfg := testConfig()
	cfg.ResumeRunID = "absent"
	svc := newTestService(store, &recordingBus{}, env, cfg)

	run, err := svc.Run(context.Background(), "grid2x2")
	if err == nil {
		t.Fatalf("expected missing resume checkpoint to fail the run")
	}
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("status=%s want=%s", run.Status, domain.RunStatusFailed)
	}
}

func TestRunFailsOnDivergence(t *testing.T) {
	store := newMemStore()
	env := &fakeEnv{agents: 1, obsDim: 4, drainAfter: 6, reward: math.NaN()}
	svc := newTestService(store, &recordingBus{}, env, testConfig())

	run, err := svc.Run(context.Background(), "grid2x2")
	if !errors.Is(err, agent.ErrDiverged) {
		t.Fatalf("err=%v want ErrDiverged", err)
	}
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("status=%s want=%s", run.Status, domain.RunStatusFailed)
	}
}
