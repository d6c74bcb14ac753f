package settlement

import (
	"testing"

	"tokenreward/models"
)

func TestValidateTransition(t *testing.T) {
	cases := []struct {
		name    string
		from    models.ClaimState
		to      models.ClaimState
		wantErr bool
	}{
		{"pending to compressing", models.StatePending, models.StateCompressing, false},
		{"pending to failed", models.StatePending, models.StateFailed, false},
		{"compressing to compressed", models.StateCompressing, models.StateCompressed, false},
		{"compressing to failed", models.StateCompressing, models.StateFailed, false},
		{"compressed to claimed", models.StateCompressed, models.StateClaimed, false},
		{"same state", models.StateCompressed, models.StateCompressed, false},
		{"pending to compressed skips", models.StatePending, models.StateCompressed, true},
		{"compressed to failed forbidden", models.StateCompressed, models.StateFailed, true},
		{"claimed is terminal", models.StateClaimed, models.StateCompressed, true},
		{"failed is terminal", models.StateFailed, models.StatePending, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateTransition(tc.from, tc.to)
			if tc.wantErr && err == nil {
				t.Fatalf("expected transition %s -> %s to be rejected", tc.from, tc.to)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("expected transition %s -> %s to be allowed: %v", tc.from, tc.to, err)
			}
		})
	}
}
