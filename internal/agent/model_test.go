package agent

import "testing"

func TestFirstThenFollowup(t *testing.T) {
	tests := []struct {
		name string
		sel  ModelSelector
		iter int
		want string
	}{
		{"first", FirstThenFollowup{First: "big", Followup: "small"}, 1, "big"},
		{"second", FirstThenFollowup{First: "big", Followup: "small"}, 2, "small"},
		{"fifteenth", FirstThenFollowup{First: "big", Followup: "small"}, 15, "small"},
		{"no followup", FirstThenFollowup{First: "big"}, 3, "big"},
		{"fixed", Fixed("only"), 7, "only"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sel.Model(tt.iter); got != tt.want {
				t.Errorf("Model(%d) = %q, want %q", tt.iter, got, tt.want)
			}
		})
	}
}
