// Package prompts holds the fixed prompt templates and user-facing strings
// of the explainer pipeline. Keeping them in one place makes the guardrail
// refusal and fallback wording greppable and testable.
package prompts

import "fmt"

// Fixed user-facing strings. The HTTP layer and tests depend on these
// exact values.
const (
	// Refusal replaces any generated answer the guardrail flags as
	// actionable investment advice.
	Refusal = "I can't help with buying or selling decisions. I can explain financial terms and concepts, but for investment advice please talk to a licensed financial advisor."

	// ExplainFallback is the body of a 500 response on the explain route.
	ExplainFallback = "Sorry, I couldn't explain this right now."

	// ChatFallback is the body of a 500 response on the chat route.
	ChatFallback = "Sorry, something went wrong."

	// EmptyExplanation stands in when the model returns no usable text.
	EmptyExplanation = "I'm unsure how to explain this clearly."

	// EmptyReply stands in when a chat turn returns no usable text.
	EmptyReply = "I didn't get a response."

	// DefaultContext replaces a blank page context.
	DefaultContext = "No additional context."
)

// Explain builds the fixed explanation prompt for a selected term and its
// surrounding page context. A blank context is normalized to a placeholder.
func Explain(text, context string) string {
	if context == "" {
		context = DefaultContext
	}
	return fmt.Sprintf(`You are a financial literacy assistant.
Explain the selected financial term in very simple language.
Rules: Beginner friendly. Max 80 words. No investment advice. Use one real-world example.
Selected text: %q
Context: %q`, text, context)
}

// Guardrail builds the classification prompt deciding whether a candidate
// answer constitutes actionable financial advice. The model must answer
// with a two-field JSON object and nothing else.
func Guardrail(candidate string) string {
	return fmt.Sprintf(`You are a compliance reviewer for a financial literacy tool.
Decide whether the following text gives actionable investment advice (telling the reader to buy, sell, or invest in something), as opposed to a neutral educational explanation.
Respond with ONLY a JSON object of the form {"is_advice": true|false, "reason": "<one sentence>"} and nothing else.

Text: %q`, candidate)
}

// Clarity builds the rubric prompt scoring how beginner-friendly an
// explanation is. The model must answer with a bare number.
func Clarity(term, explanation string) string {
	return fmt.Sprintf(`Rate the following explanation on a scale from 0.0 to 1.0 based on how simple and beginner-friendly it is.
0.0 = Very complex, jargon-heavy.
1.0 = Extremely simple, like explaining to a 5-year-old.

Term: %q
Explanation: %q

Return ONLY the number.`, term, explanation)
}
