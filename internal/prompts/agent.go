package prompts

import "fmt"

// EmptyResponseNudge is injected when the model returns neither text nor
// tool calls. It gives the model one more chance to answer.
const EmptyResponseNudge = "You did not provide a response to the user. Please respond now."

// EmptyResponseFallback is delivered when the model stays silent even
// after being nudged.
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."

// User-facing turn messages.
const (
	Thinking           = "🤔 Thinking…"
	PausedMessage      = "⏸️ Bot is paused. Send /resume to continue."
	InterruptedMessage = "⏸️ Task interrupted. Bot paused."
	TooManySteps       = "⚠️ Task took too many steps. Stopping here."
	GoingInCircles     = "🔁 I seem to be going in circles repeating the same action, so I stopped. Could you rephrase or give me more detail?"
	GenericFailure     = "❌ Something went wrong while handling that. Please try again."
)

// QuotaReached is the rejection sent before a turn starts when the daily
// model-call limit is used up.
func QuotaReached(limit int) string {
	return fmt.Sprintf("🚫 Daily API limit reached (%d). Send /limit <number> to increase.", limit)
}

// QuotaReachedMidTask is sent when the limit runs out between iterations.
func QuotaReachedMidTask(limit int) string {
	return fmt.Sprintf("🚫 Daily API limit reached mid-task (%d).", limit)
}
