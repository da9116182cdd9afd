package sumo

import (
	"context"
	"errors"
)

var (
	ErrSessionOpen = errors.New("a simulator session is already open")
	ErrClosed      = errors.New("simulator session is closed")
)

// Client is the control boundary of the external microscopic simulator.
// One decision tick of the environment maps onto several SimulationStep
// calls; everything else is a read or a phase instruction against the
// simulator's current state.
type Client interface {
	SimulationStep(ctx context.Context) error
	TrafficLightIDs(ctx context.Context) ([]string, error)
	ControlledLanes(ctx context.Context, tlID string) ([]string, error)
	Phase(ctx context.Context, tlID string) (int, error)
	SetPhase(ctx context.Context, tlID string, phase int) error
	LaneVehicleCount(ctx context.Context, laneID string) (int, error)
	LaneHaltingCount(ctx context.Context, laneID string) (int, error)
	MinExpectedVehicles(ctx context.Context) (int, error)
	Close() error
}
