package app

import (
	"strings"

	"chatlinker/pkg/ai"
	"chatlinker/pkg/domain"
)

const (
	extractionSystemPrompt = "You are an expert at extracting and summarizing important information from text documents. Provide clear, structured, and comprehensive summaries."

	extractionPromptHeader = `Please analyze the following text and extract the most important information, key points, and insights. Focus on:
1. Main topics and themes
2. Key facts and data
3. Important concepts
4. Actionable insights
5. Summary of the content

Text to analyze:
`
	extractionPromptFooter = `

Please provide a comprehensive but concise extraction of the important information:`

	knowledgeBaseLabel = "Knowledge Base for this user: "
)

func extractionMessages(text string) []ai.Message {
	var b strings.Builder
	b.Grow(len(extractionPromptHeader) + len(text) + len(extractionPromptFooter))
	b.WriteString(extractionPromptHeader)
	b.WriteString(text)
	b.WriteString(extractionPromptFooter)
	return []ai.Message{
		{Role: string(domain.RoleSystem), Content: extractionSystemPrompt},
		{Role: string(domain.RoleUser), Content: b.String()},
	}
}

func knowledgeBaseMessage(rec domain.ExtractionRecord) ai.Message {
	return ai.Message{Role: string(domain.RoleSystem), Content: knowledgeBaseLabel + rec.Content}
}
