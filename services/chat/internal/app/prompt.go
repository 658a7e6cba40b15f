package app

import (
	"strings"

	"scribeai/pkg/ai"
	"scribeai/pkg/domain"
)

const systemInstruction = "Use the following pieces of context (or previous conversaton if needed) to answer the users question in markdown format."

const promptSeparator = "\n----------------\n"

// BuildPrompt assembles the system and user messages for one turn. history
// must already be oldest-first.
func BuildPrompt(history []domain.Message, passages []domain.Passage, message string) []ai.ChatMessage {
	var b strings.Builder
	b.WriteString(systemInstruction)
	b.WriteString(" \nIf you don't know the answer, just say that you don't know, don't try to make up an answer.\n")
	b.WriteString(promptSeparator)
	b.WriteString("\nPREVIOUS CONVERSATION:\n")
	for _, msg := range history {
		if msg.IsUserMessage {
			b.WriteString("User: ")
		} else {
			b.WriteString("Assistant: ")
		}
		b.WriteString(msg.Text)
		b.WriteString("\n")
	}
	b.WriteString(promptSeparator)
	b.WriteString("\nCONTEXT:\n")
	texts := make([]string, 0, len(passages))
	for _, p := range passages {
		texts = append(texts, p.Content)
	}
	b.WriteString(strings.Join(texts, "\n\n"))
	b.WriteString("\n\nUSER INPUT: ")
	b.WriteString(message)

	return []ai.ChatMessage{
		{Role: ai.RoleSystem, Content: systemInstruction},
		{Role: ai.RoleUser, Content: b.String()},
	}
}
