package env

import (
	"context"
	"fmt"

	"gridsignal/internal/domain"
	"gridsignal/internal/sumo"
)

// ObservationLength is the fixed per-intersection feature vector length
// once the global maximum lane count has been latched at reset.
func ObservationLength(maxLanes int) int {
	return 2*maxLanes + domain.DirectionCount
}

// encodeObservation reads the per-lane (vehicle count, halted count)
// pairs in controlled-lane order, pads with zero pairs up to the global
// maximum lane count and appends a one-hot of the current direction.
// It is a pure function of simulator state: same queries, same vector.
func encodeObservation(
	ctx context.Context,
	c sumo.Client,
	lanes []string,
	direction domain.Direction,
	maxLanes int,
) (domain.Observation, error) {
	obs := make(domain.Observation, 0, ObservationLength(maxLanes))
	for _, lane := range lanes {
		vehicles, err := c.LaneVehicleCount(ctx, lane)
		if err != nil {
			return nil, fmt.Errorf("read vehicle count of lane %s: %w", lane, err)
		}
		halted, err := c.LaneHaltingCount(ctx, lane)
		if err != nil {
			return nil, fmt.Errorf("read halting count of lane %s: %w", lane, err)
		}
		obs = append(obs, float64(vehicles), float64(halted))
	}
	for len(obs) < 2*maxLanes {
		obs = append(obs, 0, 0)
	}

	onehot := make([]float64, domain.DirectionCount)
	onehot[direction] = 1
	return append(obs, onehot...), nil
}
