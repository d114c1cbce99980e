package persistence

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrialStatus_Valid(t *testing.T) {
	tests := []struct {
		status TrialStatus
		valid  bool
	}{
		{TrialPending, true},
		{TrialScored, true},
		{TrialFailed, true},
		{"running", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.status.Valid())
		})
	}
}

func TestCandidate_JSONRoundTrip(t *testing.T) {
	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	c := Candidate{
		ID:     "c-1",
		Params: map[string]float64{"lookback": 20},
		Status: "STAGED",
		History: []StatusChange{
			{From: "PROPOSED", To: "STAGED", Event: "approve", Reason: "gate approved", At: at},
		},
		CreatedAt: at,
		UpdatedAt: at,
	}

	data, err := json.Marshal(c)
	require.NoError(t, err)

	var back Candidate
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, c, back)
	assert.NotContains(t, string(data), "previous_version_id", "empty version links are omitted")
}
