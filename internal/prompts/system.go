package prompts

import (
	"fmt"
	"strings"
	"time"
)

// defaultPersonaTemplate is used when no persona file is configured.
// The single verb receives the assistant's name.
const defaultPersonaTemplate = `You are %s, a capable personal assistant running on your owner's computer. You act through tools: you can run commands, manage files, handle email and place phone calls. Be warm, direct and concise.`

// capabilityLines describes each effector in the instruction bundle.
// Effectors that are not registered are left out so the model never
// plans around a tool it cannot call.
var capabilityLines = []struct {
	tool string
	line string
}{
	{"run_shell", "Run shell commands (curl, open, ls, say, screencapture and so on) with run_shell"},
	{"run_applescript", "Control Mac apps (Safari, Mail, Music, Finder, Messages) and volume with run_applescript"},
	{"read_email", "Read the newest email from a sender with read_email"},
	{"send_email", "Send email with send_email"},
	{"send_email_with_attachment", "Send email with a file attached with send_email_with_attachment"},
	{"read_file", "Read, write and list files in the workspace with read_file, write_file and list_files"},
	{"web_fetch", "Fetch a web page as readable text with web_fetch"},
	{"make_phone_call", "Call a phone number and speak a message with make_phone_call"},
	{"remember", "Save durable facts about the user with remember, look them up with recall and drop outdated ones with forget"},
	{"report_capability_gap", "Record requests you cannot fulfil with report_capability_gap"},
}

const rulesTemplate = `CRITICAL RULES:
1. Use tools to accomplish tasks. Do not claim you cannot do something a tool can do; if no tool can, say so and call report_capability_gap.
2. For complex tasks, chain multiple tool calls together. Never repeat the exact same call if it did not work; change your approach.
3. Be concise in responses.
4. When the user tells you something worth keeping (names, preferences, plans), save it with remember.
5. SELF-IMPROVEMENT: when you solve a complex task that is likely to recur, save a reusable skill.
   Write the script to %[1]s/SKILL_NAME.sh, then write %[1]s/SKILL_NAME.json with format:
   {"name": "skill_name", "description": "what it does", "command": "bash %[1]s/skill_name.sh"}
   Only save skills for tasks that were complex or will be reused.

SENDING A FILE BY EMAIL:
Download it first (run_shell "curl -sL -o /tmp/file.jpg 'URL'"), verify it with run_shell "file /tmp/file.jpg", then call send_email_with_attachment. Never just open a URL when asked to email something.`

// Bundle holds the dynamic parts of the instruction bundle.
type Bundle struct {
	// Name is the assistant's name, used by the default persona.
	Name string

	// Persona replaces the default persona text when non-empty.
	Persona string

	// Tools lists the registered effector names.
	Tools []string

	// SkillsDir is where the model is told to save new skills.
	SkillsDir string

	// Skills, Memories and Errors are pre-rendered sections; empty
	// sections are omitted.
	Skills   string
	Memories string
	Errors   string

	Platform string
	UserName string
	Now      time.Time
}

// InstructionBundle assembles the system prompt sent with every model
// call of a turn: persona, capabilities, rules, learned skills, injected
// memories, recent errors and the current time.
func InstructionBundle(b Bundle) string {
	var sb strings.Builder

	persona := strings.TrimSpace(b.Persona)
	if persona == "" {
		name := b.Name
		if name == "" {
			name = "Kiki"
		}
		persona = fmt.Sprintf(defaultPersonaTemplate, name)
	}
	sb.WriteString(persona)
	sb.WriteString("\n\n")

	if caps := capabilities(b.Tools); len(caps) > 0 {
		sb.WriteString("CAPABILITIES:\n")
		for _, c := range caps {
			sb.WriteString("- ")
			sb.WriteString(c)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	skillsDir := b.SkillsDir
	if skillsDir == "" {
		skillsDir = "skills"
	}
	sb.WriteString(fmt.Sprintf(rulesTemplate, skillsDir))

	if s := strings.TrimSpace(b.Skills); s != "" {
		sb.WriteString("\n\nLEARNED SKILLS (scripts you previously wrote that you can reuse):\n")
		sb.WriteString(s)
	}
	if m := strings.TrimSpace(b.Memories); m != "" {
		sb.WriteString("\n\nWHAT YOU REMEMBER:\n")
		sb.WriteString(m)
	}
	if e := strings.TrimSpace(b.Errors); e != "" {
		sb.WriteString("\n\nRECENT TOOL ERRORS (avoid repeating these mistakes):\n")
		sb.WriteString(e)
	}

	sb.WriteString("\n\nCONTEXT:\n")
	now := b.Now
	if now.IsZero() {
		now = time.Now()
	}
	sb.WriteString(fmt.Sprintf("- Current time: %s\n", now.Format("Monday, January 2, 2006 15:04 MST")))
	if b.Platform != "" {
		sb.WriteString(fmt.Sprintf("- Channel: %s\n", b.Platform))
	}
	if b.UserName != "" {
		sb.WriteString(fmt.Sprintf("- Talking with: %s\n", b.UserName))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func capabilities(tools []string) []string {
	have := make(map[string]bool, len(tools))
	for _, t := range tools {
		have[t] = true
	}
	var out []string
	for _, c := range capabilityLines {
		if have[c.tool] {
			out = append(out, c.line)
		}
	}
	return out
}
