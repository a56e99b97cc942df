// Package prompts contains the model-facing text Kiki sends: the
// instruction bundle assembled for every turn and the canned messages
// the agent loop delivers to users.
//
// Prompt text is Go code rather than config because it is program logic:
// templates are interpolated with fmt and strings.Builder and can be
// checked by tests. The persona is the one piece users override, via the
// agent.persona_file config setting.
package prompts
