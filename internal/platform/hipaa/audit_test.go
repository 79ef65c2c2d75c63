package hipaa

import (
	"testing"
	"time"
)

func TestOutcomeFor(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, OutcomeSuccess},
		{201, OutcomeSuccess},
		{204, OutcomeSuccess},
		{304, OutcomeSuccess},
		{403, OutcomeMinorFailure},
		{404, OutcomeMinorFailure},
		{413, OutcomeMinorFailure},
		{500, OutcomeSeriousFailure},
		{502, OutcomeSeriousFailure},
	}
	for _, tt := range tests {
		if got := OutcomeFor(tt.status); got != tt.want {
			t.Errorf("OutcomeFor(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestAccessRecord_Normalize(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		r := &AccessRecord{StatusCode: 404, IPAddress: "10.0.0.7"}
		r.normalize()
		if r.AccessedAt.IsZero() {
			t.Error("expected accessed_at to be set")
		}
		if r.Outcome != OutcomeMinorFailure {
			t.Errorf("outcome = %q", r.Outcome)
		}
		if r.IPAddress != "10.0.0.7" {
			t.Errorf("valid IP dropped: %q", r.IPAddress)
		}
	})

	t.Run("keeps explicit values", func(t *testing.T) {
		at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
		r := &AccessRecord{StatusCode: 200, Outcome: OutcomeSeriousFailure, AccessedAt: at}
		r.normalize()
		if !r.AccessedAt.Equal(at) || r.Outcome != OutcomeSeriousFailure {
			t.Errorf("explicit values overwritten: %+v", r)
		}
	})

	t.Run("invalid IP cleared", func(t *testing.T) {
		r := &AccessRecord{IPAddress: "not-an-ip"}
		r.normalize()
		if r.IPAddress != "" {
			t.Errorf("expected invalid IP to be cleared, got %q", r.IPAddress)
		}
	})
}
