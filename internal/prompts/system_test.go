package prompts

import (
	"strings"
	"testing"
	"time"
)

func TestInstructionBundle(t *testing.T) {
	now := time.Date(2026, 5, 4, 14, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		bundle  Bundle
		want    []string
		notWant []string
	}{
		{
			name:    "default persona",
			bundle:  Bundle{Name: "Kiki", Now: now},
			want:    []string{"You are Kiki", "CRITICAL RULES", "Monday, May 4, 2026 14:30 UTC"},
			notWant: []string{"CAPABILITIES", "LEARNED SKILLS", "WHAT YOU REMEMBER", "RECENT TOOL ERRORS"},
		},
		{
			name:    "custom persona",
			bundle:  Bundle{Name: "Kiki", Persona: "You are Jeeves, a butler.", Now: now},
			want:    []string{"You are Jeeves, a butler."},
			notWant: []string{"You are Kiki"},
		},
		{
			name:    "only registered capabilities",
			bundle:  Bundle{Tools: []string{"run_shell", "remember"}, Now: now},
			want:    []string{"CAPABILITIES:", "run_shell", "with remember"},
			notWant: []string{"make_phone_call", "run_applescript"},
		},
		{
			name: "sections",
			bundle: Bundle{
				SkillsDir: "/data/skills",
				Skills:    "- weather: forecast → run with: run_shell \"bash w.sh\"",
				Memories:  "- [preference] likes tea",
				Errors:    "- run_shell: exit status 1",
				Platform:  "telegram",
				UserName:  "Alice",
				Now:       now,
			},
			want: []string{
				"/data/skills/SKILL_NAME.json",
				"LEARNED SKILLS",
				"likes tea",
				"RECENT TOOL ERRORS",
				"Channel: telegram",
				"Talking with: Alice",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := InstructionBundle(tt.bundle)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("bundle missing %q:\n%s", w, got)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(got, w) {
					t.Errorf("bundle unexpectedly contains %q", w)
				}
			}
		})
	}
}

func TestQuotaMessages(t *testing.T) {
	if got := QuotaReached(100); !strings.Contains(got, "(100)") || !strings.Contains(got, "/limit") {
		t.Errorf("QuotaReached = %q", got)
	}
	if got := QuotaReachedMidTask(7); !strings.Contains(got, "mid-task (7)") {
		t.Errorf("QuotaReachedMidTask = %q", got)
	}
}
