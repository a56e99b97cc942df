package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/clawdbot/kiki/internal/events"
	"github.com/clawdbot/kiki/internal/memory"
	"github.com/clawdbot/kiki/internal/skills"
	"github.com/clawdbot/kiki/internal/tools"
)

// Command replies.
const (
	replyNotAuthorized = "Not authorized."
	replyPong          = "pong ✅"
	replyPaused        = "⏸️ Bot paused. Send /resume to continue."
	replyResumed       = "▶️ Bot resumed."
	replyNoSkills      = "No skills learned yet."
	replyNoGaps        = "No open capability gaps."
	replyNoMemories    = "Nothing remembered yet."
	replyLimitUsage    = "Usage: /limit <number>"
	replyForgetUsage   = "Usage: /forget <query>"
	replyUnknown       = "Unknown command. Send /help for the list."
)

const helpText = `Commands:
/whoami - show your Telegram user id
/ping - check the bot is alive
/pause - stop all work, including a running task
/resume - start accepting messages again
/usage - model calls used today
/limit N - set the daily model-call limit
/stats - brain statistics
/gaps - open capability gaps
/skills - learned skills
/memories [query] - recent or matching memories
/forget <query> - archive matching memories
/purge - delete archived memories`

// memoriesShown caps the /memories listing.
const memoriesShown = 10

// parseCommand splits "/limit@kiki_bot 50" into ("limit", "50").
func parseCommand(text string) (cmd, args string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	head, _, _ = strings.Cut(head, "@")
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

// handleCommand answers an operator slash command. /whoami works for
// anyone; /ping tells strangers they are not authorized; every other
// command is silently ignored unless the sender is the admin.
func (b *Bridge) handleCommand(ctx context.Context, msg *Message, cmd, args string) {
	chatID := msg.Chat.ID
	sender := strconv.FormatInt(msg.From.ID, 10)

	if cmd == "whoami" {
		b.send(ctx, chatID, fmt.Sprintf("Your Telegram user id is: %s", sender))
		return
	}
	if !b.isAdmin(msg.From) {
		b.logger.Warn("telegram command from non-admin", "sender", sender, "command", cmd)
		if cmd == "ping" {
			b.send(ctx, chatID, replyNotAuthorized)
		}
		return
	}

	b.logger.Info("telegram command", "sender", sender, "command", cmd)
	b.events.Emit(events.SourceTelegram, events.KindCommand, map[string]any{
		"sender":  sender,
		"command": cmd,
	})

	reply, err := b.runCommand(ctx, cmd, args)
	if err != nil {
		b.logger.Error("telegram command failed", "command", cmd, "error", err)
		b.fail(ctx, chatID, err)
		return
	}
	b.send(ctx, chatID, reply)
}

func (b *Bridge) runCommand(ctx context.Context, cmd, args string) (string, error) {
	switch cmd {
	case "start", "help":
		return helpText, nil
	case "ping":
		return replyPong, nil
	case "pause":
		b.gov.Pause()
		b.events.Emit(events.SourceGovernor, events.KindPaused, map[string]any{"via": Platform})
		return replyPaused, nil
	case "resume":
		b.gov.Resume()
		b.events.Emit(events.SourceGovernor, events.KindResumed, map[string]any{"via": Platform})
		return replyResumed, nil
	case "usage":
		u := b.gov.Usage()
		return fmt.Sprintf("📊 API calls today: %d/%d", u.Count, u.Limit), nil
	case "limit":
		n, err := strconv.Atoi(args)
		if err != nil || n < 0 {
			return replyLimitUsage, nil
		}
		b.gov.SetLimit(n)
		b.events.Emit(events.SourceGovernor, events.KindLimitChanged, map[string]any{"via": Platform, "limit": n})
		return fmt.Sprintf("✅ Daily limit set to %d API calls.", n), nil
	case "skills":
		return b.listSkills()
	case "stats":
		st, err := b.store.GetStats(ctx)
		if err != nil {
			return "", err
		}
		return formatStats(st), nil
	case "gaps":
		gaps, err := b.store.GetOpenGaps(ctx)
		if err != nil {
			return "", err
		}
		return formatGaps(gaps), nil
	case "memories":
		return b.listMemories(ctx, args)
	case "forget":
		if args == "" {
			return replyForgetUsage, nil
		}
		n, err := b.store.ArchiveMemoriesByQuery(ctx, args)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("🗑️ Archived %d memories matching %q.", n, args), nil
	case "purge":
		n, err := b.store.PurgeArchived(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("🧹 Purged %d archived memories.", n), nil
	default:
		return replyUnknown, nil
	}
}

func (b *Bridge) listSkills() (string, error) {
	if b.skills == nil {
		return replyNoSkills, nil
	}
	list, err := b.skills.LoadAll()
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return replyNoSkills, nil
	}
	return "🧠 Learned skills:\n" + formatSkills(list), nil
}

func (b *Bridge) listMemories(ctx context.Context, query string) (string, error) {
	var (
		ms  []memory.Memory
		err error
	)
	if query == "" {
		ms, err = b.store.RecentMemories(ctx, memoriesShown)
	} else {
		ms, err = b.store.SearchMemories(ctx, query, memory.SearchOptions{Limit: memoriesShown})
	}
	if err != nil {
		return "", err
	}
	if len(ms) == 0 {
		return replyNoMemories, nil
	}
	return "🧠 Memories:\n" + tools.FormatMemories(ms), nil
}

func formatSkills(list []skills.Skill) string {
	lines := make([]string, len(list))
	for i, s := range list {
		lines[i] = fmt.Sprintf("• %s: %s", s.Name, s.Description)
	}
	return strings.Join(lines, "\n")
}

func formatStats(st *memory.Stats) string {
	var sb strings.Builder
	sb.WriteString("🧠 Brain stats\n")
	fmt.Fprintf(&sb, "Memories: %d (%d archived)\n", st.Memories, st.ArchivedMemories)
	fmt.Fprintf(&sb, "Conversations: %d\n", st.Conversations)
	fmt.Fprintf(&sb, "Errors: %d\n", st.Errors)
	fmt.Fprintf(&sb, "Users: %d\n", st.Users)
	fmt.Fprintf(&sb, "Open gaps: %d\n", st.OpenGaps)
	fmt.Fprintf(&sb, "Size: %s", humanize.Bytes(uint64(st.SizeBytes)))
	return sb.String()
}

func formatGaps(gaps []memory.CapabilityGap) string {
	if len(gaps) == 0 {
		return replyNoGaps
	}
	var sb strings.Builder
	sb.WriteString("🧩 Open capability gaps:")
	for _, g := range gaps {
		fmt.Fprintf(&sb, "\n#%d [%s] %s", g.ID, g.Priority, g.Request)
		if g.Reason != "" {
			fmt.Fprintf(&sb, " (%s)", g.Reason)
		}
	}
	return sb.String()
}
