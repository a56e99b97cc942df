package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/clawdbot/kiki/internal/memory"
	"github.com/clawdbot/kiki/internal/prompts"
	"github.com/clawdbot/kiki/internal/skills"
	"github.com/clawdbot/kiki/internal/tools"
)

// instructionBundle builds the system prompt for a turn. It is computed
// once and reused for every model call of the turn.
func (l *Loop) instructionBundle(ctx context.Context, t *turn, userMessage string) (string, error) {
	mems, err := l.injectedMemories(ctx, userMessage)
	if err != nil {
		return "", err
	}
	errs, err := l.store.GetRecentErrors(ctx, l.cfg.RecentErrors)
	if err != nil {
		return "", err
	}

	b := prompts.Bundle{
		Name:     l.cfg.Name,
		Persona:  l.cfg.Persona,
		Tools:    l.tools.Names(),
		Memories: tools.FormatMemories(mems),
		Errors:   formatErrors(errs),
		Platform: t.tc.Platform,
		UserName: t.tc.UserName,
		Now:      l.cfg.Now(),
	}
	if l.skills != nil {
		b.SkillsDir = l.skills.Dir()
		loaded, err := l.skills.LoadAll()
		if err != nil {
			t.logger.Warn("skills unavailable", "error", err)
		}
		b.Skills = skills.Format(loaded)
	}

	t.logger.Debug("context assembled", "memories", len(mems), "errors", len(errs))
	return prompts.InstructionBundle(b), nil
}

// injectedMemories returns the most recent memories followed by those
// matching the user's message, without duplicates.
func (l *Loop) injectedMemories(ctx context.Context, userMessage string) ([]memory.Memory, error) {
	recent, err := l.store.RecentMemories(ctx, l.cfg.RecentMemories)
	if err != nil {
		return nil, err
	}

	var relevant []memory.Memory
	if q := strings.TrimSpace(userMessage); q != "" {
		relevant, err = l.store.SearchMemories(ctx, q, memory.SearchOptions{Limit: l.cfg.RelevantMemories})
		if err != nil {
			return nil, err
		}
	}
	return mergeMemories(recent, relevant), nil
}

func mergeMemories(lists ...[]memory.Memory) []memory.Memory {
	seen := make(map[int64]bool)
	var out []memory.Memory
	for _, list := range lists {
		for _, m := range list {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			out = append(out, m)
		}
	}
	return out
}

func formatErrors(errs []memory.ErrorRecord) string {
	var sb strings.Builder
	for _, e := range errs {
		msg := strings.ReplaceAll(e.Message, "\n", " ")
		fmt.Fprintf(&sb, "- %s: %s\n", e.Tool, truncate(msg, 200))
	}
	return strings.TrimRight(sb.String(), "\n")
}
