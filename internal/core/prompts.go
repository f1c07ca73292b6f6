package core

// prompts.go defines the fixed text the engine produces on its own: the
// framing of the conversation memory sent ahead of each follow-up question
// and the fallback shown when the backend cannot answer.  Keeping it in one
// file makes the wording easy to tweak without touching the engine.

const (
	// ContextHeader opens the memory digest that is prepended to a follow-up
	// query.  It tells the backend that what follows is earlier conversation,
	// not part of the new question.
	ContextHeader = "Previous conversation (most recent last):"

	// ContextMarker closes the memory digest and introduces the question the
	// user is asking now.
	ContextMarker = "Current question:"

	// UnknownVerdict stands in for an agent turn that has no verdict yet.
	UnknownVerdict = "Unknown"

	// FallbackVerdict is the verdict recorded when the backend fails.  The
	// product was not assessed, so the user is told to be careful.
	FallbackVerdict = "CAUTION"

	// FallbackReasoning is the reasoning recorded when the backend fails.  The
	// failure detail is substituted for %v.
	FallbackReasoning = "I couldn't complete the safety analysis for this product. Please try again in a moment. Details: %v"
)
