package domain

import (
	"time"
)

// Direction is the decision-level signal state of one intersection:
// which approach currently gets green. The simulator cycles its own
// fine-grained sub-phases (through/left/yellow/all-red) underneath.
type Direction int

const (
	DirectionA Direction = 0
	DirectionB Direction = 1

	DirectionCount = 2
)

func (d Direction) Valid() bool {
	return d == DirectionA || d == DirectionB
}

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

type EventKind string

const (
	EventRunStarted      EventKind = "run_started"
	EventEpisodeStarted  EventKind = "episode_started"
	EventEpisodeFinished EventKind = "episode_finished"
	EventRunFinished     EventKind = "run_finished"
)

type Observation []float64

type JointState []Observation

type JointAction []Direction

type JointReward []float64

// Transition is the joint experience of one decision tick, as returned by
// the environment and fanned out to every agent.
type Transition struct {
	Before      JointState
	ActionProbs [][]float64
	After       JointState
	Reward      JointReward
	Done        bool
}

// AgentTransition is the slice of a joint Transition that belongs to a
// single agent. Agents never see more than this outside of training.
type AgentTransition struct {
	Before      Observation
	ActionProbs []float64
	After       Observation
	Reward      float64
	Done        bool
}

type Intersection struct {
	ID        string    `json:"id"`
	Lanes     []string  `json:"lanes"`
	Direction Direction `json:"direction"`
	Phase     int       `json:"phase"`
}

type Run struct {
	ID           string    `json:"id"`
	Scenario     string    `json:"scenario"`
	Status       RunStatus `json:"status"`
	Agents       int       `json:"agents"`
	ObservationD int       `json:"observation_dim"`
	Episodes     int       `json:"episodes"`
	EpisodesDone int       `json:"episodes_done"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Episode struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id"`
	Number        int       `json:"number"`
	Steps         int       `json:"steps"`
	Reward        float64   `json:"reward"`
	AvgTravelTime float64   `json:"avg_travel_time"`
	Epsilon       float64   `json:"epsilon"`
	Trained       bool      `json:"trained"`
	Done          bool      `json:"done"`
	CreatedAt     time.Time `json:"created_at"`
}

// Checkpoint holds the serialized actor/critic parameters of one agent.
// The payload is opaque to the store: it only needs to round-trip back
// into an agent of matching shape.
type Checkpoint struct {
	RunID          string    `json:"run_id"`
	IntersectionID string    `json:"intersection_id"`
	Parameters     []byte    `json:"parameters"`
	CreatedAt      time.Time `json:"created_at"`
}

type TrainingLog struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

type ProgressEvent struct {
	Kind      EventKind `json:"kind"`
	RunID     string    `json:"run_id"`
	Episode   int       `json:"episode,omitempty"`
	Steps     int       `json:"steps,omitempty"`
	Reward    float64   `json:"reward,omitempty"`
	Epsilon   float64   `json:"epsilon,omitempty"`
	Status    RunStatus `json:"status,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
