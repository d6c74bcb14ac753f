package settlement

import (
	"fmt"

	"tokenreward/models"
)

var allowedTransitions = map[models.ClaimState][]models.ClaimState{
	models.StatePending:     {models.StateCompressing, models.StateFailed},
	models.StateCompressing: {models.StateCompressed, models.StateFailed},
	models.StateCompressed:  {models.StateClaimed},
}

// ValidateTransition ensures the transition follows the defined state machine.
func ValidateTransition(current, next models.ClaimState) error {
	if current == next {
		return nil
	}
	allowed, ok := allowedTransitions[current]
	if !ok {
		return fmt.Errorf("no transitions allowed from %s", current)
	}
	for _, state := range allowed {
		if state == next {
			return nil
		}
	}
	return fmt.Errorf("transition from %s to %s is not permitted", current, next)
}
