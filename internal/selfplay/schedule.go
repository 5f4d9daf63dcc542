package selfplay

import (
	"fmt"
)

// Schedule of the temperature used to extract the action distribution from the search.
//
// The temperature drops to 0 (greedy) once the match reaches ThresholdMoves moves, or for all moves once the
// learning loop reaches iteration ThresholdIteration. A threshold of 0 disables it.
type Schedule struct {
	Temperature        float32
	ThresholdMoves     int
	ThresholdIteration int
}

// At returns the temperature to use at the given iteration, for the given move number (0 for the first move
// of the match).
func (s Schedule) At(iteration, move int) float32 {
	if s.ThresholdIteration > 0 && iteration >= s.ThresholdIteration {
		return 0
	}
	if s.ThresholdMoves > 0 && move >= s.ThresholdMoves {
		return 0
	}
	return s.Temperature
}

func (s Schedule) String() string {
	return fmt.Sprintf("temperature=%g (0 after move %d / iteration %d)", s.Temperature, s.ThresholdMoves, s.ThresholdIteration)
}
