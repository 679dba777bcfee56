package chat

import (
	"fmt"
	"strings"

	"finbot/pkg/ai"
	"finbot/pkg/domain"
	"finbot/pkg/vector"
)

const personaPrompt = `You are a helpful customer support assistant for a fintech company.
You provide accurate, helpful, and up-to-date information about our services,
account management, payments, security, and compliance.

Your expertise covers:
- Account & Registration: Account creation, verification, and management
- Payments & Transactions: Transfers, payments, and transaction management
- Security & Fraud Prevention: Account security, fraud prevention, and safety measures
- Regulations & Compliance: Financial regulations, compliance requirements, and legal aspects
- Technical Support & Troubleshooting: Technical issues, app problems, and system support

Guidelines:
- Always provide accurate, brief (max 3-5 sentences), and helpful information based on our FAQ knowledge base
- If you're unsure about something, ask follow-up questions to clarify; if it seems out of context, ask to contact our support team
- Be professional, friendly, and clear in your responses
- Focus on practical solutions and step-by-step guidance
- Always prioritize user security and compliance
- If a question is outside our FAQ scope, direct users to appropriate support channels`

// buildSystemPrompt appends the retrieved knowledge-base excerpts, numbered,
// to the support persona.
func buildSystemPrompt(passages []vector.Match) string {
	if len(passages) == 0 {
		return personaPrompt
	}
	var b strings.Builder
	b.WriteString(personaPrompt)
	b.WriteString("\n\nRelevant information from our knowledge base:\n")
	for i, p := range passages {
		fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, p.Title, p.Content)
		if p.Source != "" {
			fmt.Fprintf(&b, "   Source: %s\n", p.Source)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// buildChatMessages maps the history window plus the new query to model
// input turns.
func buildChatMessages(history []domain.Message, query string) []ai.ChatMessage {
	msgs := make([]ai.ChatMessage, 0, len(history)+1)
	for _, m := range history {
		msgs = append(msgs, ai.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	msgs = append(msgs, ai.ChatMessage{Role: "user", Content: query})
	return msgs
}
