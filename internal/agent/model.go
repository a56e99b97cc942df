package agent

// ModelSelector picks the model for each iteration of a turn.
// Iterations are numbered from 1.
type ModelSelector interface {
	Model(iteration int) string
}

// Fixed uses one model for every iteration. An empty name leaves the
// choice to the client's default.
type Fixed string

// Model implements ModelSelector.
func (f Fixed) Model(int) string { return string(f) }

// FirstThenFollowup uses First for the opening call of a turn and
// Followup for every later call, which keeps long tool chains on a
// cheaper model. An empty Followup falls back to First.
type FirstThenFollowup struct {
	First    string
	Followup string
}

// Model implements ModelSelector.
func (s FirstThenFollowup) Model(iteration int) string {
	if iteration <= 1 || s.Followup == "" {
		return s.First
	}
	return s.Followup
}
