// Package composer assembles grounded generation requests from retrieved
// activity documents and the conversation so far.
package composer

import (
	"fmt"
	"strings"

	"github.com/kalambet/localrecall/internal/engine"
)

// SystemInstruction is the assistant persona sent with every chat request.
const SystemInstruction = `You are an advanced AI assistant, similar to Jarvis from Iron Man, designed to analyze and respond to queries based on descriptions of screenshots from the user's computer activities. Your primary functions are:
- Interpret and understand the context provided by the screenshot descriptions.
- Provide detailed explanations, relevant, and actionable answers to the user's queries.
- If you are unable to come up with an answer, politely respond that you are not sure or don't know.
- Do not mention that the answer is based on documents or context provided. Just respond with the answer.
- Offer suggestions or ask clarifying questions when appropriate to better assist the user.

Your goal is to be a knowledgeable, efficient, and trustworthy assistant, enhancing the user's productivity and decision-making based on their recent computer activities.
`

// Build returns the generation request for question. Documents are numbered
// from 1 in the order given, which callers keep closest first.
func Build(question string, documents []string, history []engine.Turn) engine.GenerateRequest {
	return engine.GenerateRequest{
		System:  SystemInstruction,
		History: normalizeHistory(history),
		Prompt:  Prompt(question, documents),
	}
}

// Prompt renders the delimited document blocks followed by the question.
func Prompt(question string, documents []string) string {
	var sb strings.Builder
	for i, doc := range documents {
		fmt.Fprintf(&sb, "--------------DOCUMENT_%d_start------\n%s\n--------------DOCUMENT_%d_end------\n", i+1, doc, i+1)
	}
	fmt.Fprintf(&sb, "Can you please answer the following question: %s\n", question)
	return sb.String()
}

// normalizeHistory drops turns with an unknown role or no content.
func normalizeHistory(history []engine.Turn) []engine.Turn {
	out := make([]engine.Turn, 0, len(history))
	for _, t := range history {
		role := strings.ToLower(strings.TrimSpace(t.Role))
		switch role {
		case "system", "user", "assistant":
		default:
			continue
		}
		if t.Content == "" {
			continue
		}
		out = append(out, engine.Turn{Role: role, Content: t.Content})
	}
	return out
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
