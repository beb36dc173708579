package cache

import (
	"strings"

	"stancestream-gateway/internal/embedding"
	"stancestream-gateway/internal/llm"
)

// PromptFromChatRequest extracts the text that is embedded for a chat
// request: the content of the last user message.
func PromptFromChatRequest(req llm.ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == llm.RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}

// NormalizeTopic trims topic and maps the empty topic to DefaultTopic.
// Topics are otherwise matched exactly, case included.
func NormalizeTopic(topic string) string {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return DefaultTopic
	}
	return topic
}

// Fingerprint identifies a (topic, prompt) pair for miss coalescing.
// Format: <topic>:<sha256(prompt)>
func Fingerprint(topic, prompt string) string {
	return NormalizeTopic(topic) + ":" + embedding.ContentHash(prompt)
}
