package env

import (
	"context"
	"fmt"

	"gridsignal/internal/sumo"
)

// intersectionReward is the negative sum of halted vehicles over the
// intersection's controlled lanes: the emptier the queues, the closer
// to zero. The reward is purely local; no coordination term is added.
func intersectionReward(ctx context.Context, c sumo.Client, lanes []string) (float64, error) {
	total := 0
	for _, lane := range lanes {
		halted, err := c.LaneHaltingCount(ctx, lane)
		if err != nil {
			return 0, fmt.Errorf("read halting count of lane %s: %w", lane, err)
		}
		total += halted
	}
	return -float64(total), nil
}
