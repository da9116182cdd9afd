package trainer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"gridsignal/internal/agent"
	"gridsignal/internal/domain"
)

const trainerActorID = "trainer"

type Store interface {
	CreateRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, runID string) (domain.Run, error)
	ListRuns(ctx context.Context) ([]domain.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus, lastError string) error
	SetRunShape(ctx context.Context, runID string, agents, observationDim int) error
	CreateEpisode(ctx context.Context, ep domain.Episode) error
	ListEpisodes(ctx context.Context, runID string) ([]domain.Episode, error)
	SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error
	GetCheckpoint(ctx context.Context, runID, intersectionID string) (domain.Checkpoint, error)
	ListCheckpoints(ctx context.Context, runID string) ([]domain.Checkpoint, error)
	LogTraining(ctx context.Context, entry domain.TrainingLog) error
	ListTrainingLog(ctx context.Context, runID string, limit int) ([]domain.TrainingLog, error)
}

type Bus interface {
	Publish(evt domain.ProgressEvent) error
}

type Environment interface {
	Reset(ctx context.Context) (domain.JointState, error)
	Step(ctx context.Context, actions domain.JointAction) (domain.JointState, domain.JointReward, bool, error)
	Intersections() ([]domain.Intersection, error)
	Close() error
}

type Config struct {
	Episodes       int
	MaxSteps       int
	Gamma          float64
	ActorLR        float64
	CriticLR       float64
	EpsilonStart   float64
	EpsilonMin     float64
	EpsilonDecay   float64
	ReplayCapacity int
	WarmupSize     int
	BatchSize      int
	HiddenSize     int
	Seed           int64

	// ResumeRunID, when set, seeds the agents from the checkpoints of
	// an earlier run instead of fresh random parameters.
	ResumeRunID string
}

func (c Config) withDefaults() Config {
	if c.Episodes <= 0 {
		c.Episodes = 100
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = 360
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
	if c.ReplayCapacity <= 0 {
		c.ReplayCapacity = 10000
	}
	if c.WarmupSize <= 0 {
		c.WarmupSize = 64
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.HiddenSize <= 0 {
		c.HiddenSize = 64
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return c
}

// Service drives one training run: it resets the environment per
// episode, fans observations out to the per-intersection agents,
// applies their joint action and records progress. Agents are created
// from the first episode's shapes and must fit every later episode.
type Service struct {
	store  Store
	bus    Bus
	env    Environment
	cfg    Config
	logger *log.Logger

	// TravelTime, when set, reports the mean trip duration of the
	// episode that just closed its simulator session.
	TravelTime func() (float64, error)

	agents []*agent.Agent
	obsDim int
}

func New(store Store, bus Bus, env Environment, cfg Config, logger *log.Logger) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		store:  store,
		bus:    bus,
		env:    env,
		cfg:    cfg,
		logger: logger,
	}
}

func (s *Service) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	return s.store.GetRun(ctx, runID)
}

func (s *Service) ListRuns(ctx context.Context) ([]domain.Run, error) {
	return s.store.ListRuns(ctx)
}

func (s *Service) ListEpisodes(ctx context.Context, runID string) ([]domain.Episode, error) {
	return s.store.ListEpisodes(ctx, runID)
}

func (s *Service) ListTrainingLog(ctx context.Context, runID string, limit int) ([]domain.TrainingLog, error) {
	return s.store.ListTrainingLog(ctx, runID, limit)
}

// Run executes a full training run and returns its final record. The
// run row is kept current throughout so the HTTP API and monitor can
// watch it live.
func (s *Service) Run(ctx context.Context, scenarioName string) (domain.Run, error) {
	run := domain.Run{
		ID:       uuid.NewString(),
		Scenario: scenarioName,
		Status:   domain.RunStatusRunning,
		Episodes: s.cfg.Episodes,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return domain.Run{}, err
	}
	s.publish(domain.ProgressEvent{Kind: domain.EventRunStarted, RunID: run.ID, Status: run.Status})
	s.logTraining(ctx, run.ID, "run_started", fmt.Sprintf("scenario=%s episodes=%d", scenarioName, s.cfg.Episodes))

	if err := s.train(ctx, &run); err != nil {
		status := domain.RunStatusFailed
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = domain.RunStatusCanceled
		}
		// The final status write must land even when the run context
		// was canceled.
		finalCtx := context.WithoutCancel(ctx)
		_ = s.store.UpdateRunStatus(finalCtx, run.ID, status, err.Error())
		s.logTraining(finalCtx, run.ID, "run_"+string(status), err.Error())
		s.publish(domain.ProgressEvent{Kind: domain.EventRunFinished, RunID: run.ID, Status: status})
		run.Status = status
		run.LastError = err.Error()
		return run, err
	}

	if err := s.saveCheckpoints(ctx, run.ID); err != nil {
		_ = s.store.UpdateRunStatus(ctx, run.ID, domain.RunStatusFailed, err.Error())
		s.publish(domain.ProgressEvent{Kind: domain.EventRunFinished, RunID: run.ID, Status: domain.RunStatusFailed})
		return run, err
	}

	if err := s.store.UpdateRunStatus(ctx, run.ID, domain.RunStatusCompleted, ""); err != nil {
		return run, err
	}
	s.logTraining(ctx, run.ID, "run_completed", fmt.Sprintf("episodes=%d", s.cfg.Episodes))
	s.publish(domain.ProgressEvent{Kind: domain.EventRunFinished, RunID: run.ID, Status: domain.RunStatusCompleted})
	run.Status = domain.RunStatusCompleted
	return run, nil
}

func (s *Service) train(ctx context.Context, run *domain.Run) error {
	for episode := 1; episode <= s.cfg.Episodes; episode++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.runEpisode(ctx, run, episode); err != nil {
			return fmt.Errorf("episode %d: %w", episode, err)
		}
	}
	return nil
}

func (s *Service) runEpisode(ctx context.Context, run *domain.Run, episode int) error {
	state, err := s.env.Reset(ctx)
	if err != nil {
		return err
	}

	if s.agents == nil {
		if err := s.buildAgents(ctx, run, state); err != nil {
			return err
		}
	} else if len(state) != len(s.agents) {
		return fmt.Errorf("environment produced %d observations for %d agents", len(state), len(s.agents))
	} else if len(state[0]) != s.obsDim {
		return fmt.Errorf("environment produced %d-wide observations, agents expect %d", len(state[0]), s.obsDim)
	}

	s.publish(domain.ProgressEvent{Kind: domain.EventEpisodeStarted, RunID: run.ID, Episode: episode})

	var (
		steps       int
		totalReward float64
		trained     bool
		drained     bool
	)
	for steps < s.cfg.MaxSteps {
		if err := ctx.Err(); err != nil {
			return err
		}

		actions := make(domain.JointAction, len(s.agents))
		probs := make([][]float64, len(s.agents))
		for i, ag := range s.agents {
			actions[i], probs[i] = ag.SelectAction(state[i])
		}

		next, reward, done, err := s.env.Step(ctx, actions)
		if err != nil {
			return err
		}
		steps++

		for i, ag := range s.agents {
			ag.Push(domain.AgentTransition{
				Before:      state[i],
				ActionProbs: probs[i],
				After:       next[i],
				Reward:      reward[i],
				Done:        done,
			})
			totalReward += reward[i]
		}

		for _, ag := range s.agents {
			updated, err := ag.Train()
			if err != nil {
				return err
			}
			if updated {
				// Exploration narrows per training tick, not per episode.
				ag.UpdateEpsilon()
				trained = true
			}
		}

		state = next
		if done {
			drained = true
			break
		}
	}

	// Close the session before reading trip statistics: the simulator
	// flushes its output files on shutdown.
	if err := s.env.Close(); err != nil {
		s.logger.Printf("close simulator session: %v", err)
	}
	avgTravel := 0.0
	if s.TravelTime != nil {
		avgTravel, err = s.TravelTime()
		if err != nil {
			s.logger.Printf("read travel times: %v", err)
			avgTravel = 0
		}
	}

	epsilon := s.agents[0].Epsilon()

	ep := domain.Episode{
		ID:            uuid.NewString(),
		RunID:         run.ID,
		Number:        episode,
		Steps:         steps,
		Reward:        totalReward,
		AvgTravelTime: avgTravel,
		Epsilon:       epsilon,
		Trained:       trained,
		Done:          drained,
	}
	if err := s.store.CreateEpisode(ctx, ep); err != nil {
		return err
	}
	s.logger.Printf("episode %d/%d steps=%d reward=%.1f eps=%.3f trained=%v drained=%v",
		episode, s.cfg.Episodes, steps, totalReward, epsilon, trained, drained)
	s.publish(domain.ProgressEvent{
		Kind:    domain.EventEpisodeFinished,
		RunID:   run.ID,
		Episode: episode,
		Steps:   steps,
		Reward:  totalReward,
		Epsilon: epsilon,
	})
	return nil
}

func (s *Service) buildAgents(ctx context.Context, run *domain.Run, state domain.JointState) error {
	intersections, err := s.env.Intersections()
	if err != nil {
		return err
	}
	if len(intersections) != len(state) {
		return fmt.Errorf("environment reported %d intersections but %d observations", len(intersections), len(state))
	}
	obsDim := len(state[0])

	s.agents = make([]*agent.Agent, len(intersections))
	for i, inter := range intersections {
		s.agents[i] = agent.New(inter.ID, agent.Config{
			ObservationSize: obsDim,
			HiddenSize:      s.cfg.HiddenSize,
			Gamma:           s.cfg.Gamma,
			ActorLR:         s.cfg.ActorLR,
			CriticLR:        s.cfg.CriticLR,
			EpsilonStart:    s.cfg.EpsilonStart,
			EpsilonMin:      s.cfg.EpsilonMin,
			EpsilonDecay:    s.cfg.EpsilonDecay,
			ReplayCapacity:  s.cfg.ReplayCapacity,
			WarmupSize:      s.cfg.WarmupSize,
			BatchSize:       s.cfg.BatchSize,
			Seed:            s.cfg.Seed + int64(i),
		})
	}

	s.obsDim = obsDim

	if s.cfg.ResumeRunID != "" {
		if err := s.restoreCheckpoints(ctx, run.ID); err != nil {
			return err
		}
	}

	run.Agents = len(s.agents)
	run.ObservationD = obsDim
	if err := s.store.SetRunShape(ctx, run.ID, run.Agents, run.ObservationD); err != nil {
		return err
	}
	s.logTraining(ctx, run.ID, "agents_created", fmt.Sprintf("agents=%d observation_dim=%d", run.Agents, obsDim))
	return nil
}

func (s *Service) restoreCheckpoints(ctx context.Context, runID string) error {
	for _, ag := range s.agents {
		cp, err := s.store.GetCheckpoint(ctx, s.cfg.ResumeRunID, ag.ID)
		if err != nil {
			return fmt.Errorf("resume from run %s: %w", s.cfg.ResumeRunID, err)
		}
		if err := ag.Restore(cp.Parameters); err != nil {
			return fmt.Errorf("resume agent %s from run %s: %w", ag.ID, s.cfg.ResumeRunID, err)
		}
	}
	s.logTraining(ctx, runID, "checkpoints_restored", fmt.Sprintf("from_run=%s agents=%d", s.cfg.ResumeRunID, len(s.agents)))
	return nil
}

func (s *Service) saveCheckpoints(ctx context.Context, runID string) error {
	for _, ag := range s.agents {
		params, err := ag.Snapshot()
		if err != nil {
			return fmt.Errorf("snapshot agent %s: %w", ag.ID, err)
		}
		if err := s.store.SaveCheckpoint(ctx, domain.Checkpoint{
			RunID:          runID,
			IntersectionID: ag.ID,
			Parameters:     params,
		}); err != nil {
			return err
		}
	}
	s.logTraining(ctx, runID, "checkpoints_saved", fmt.Sprintf("agents=%d", len(s.agents)))
	return nil
}

func (s *Service) publish(evt domain.ProgressEvent) {
	evt.CreatedAt = time.Now().UTC()
	_ = s.bus.Publish(evt)
}

func (s *Service) logTraining(ctx context.Context, runID, action, detail string) {
	if err := s.store.LogTraining(ctx, domain.TrainingLog{
		RunID:  runID,
		Actor:  trainerActorID,
		Action: action,
		Detail: detail,
	}); err != nil {
		s.logger.Printf("log training event: %v", err)
	}
}
