package services

import (
	"github.com/OmChillure/aigen/internal/models"
)

// LLMParameters holds the optional sampling parameters forwarded to providers. A nil field leaves the
// provider's default in place.
type LLMParameters struct {
	Temperature      *float32       `yaml:"temperature"`
	TopP             *float32       `yaml:"topP"`
	Stop             []string       `yaml:"stop"`
	PresencePenalty  *float32       `yaml:"presencePenalty"`
	FrequencyPenalty *float32       `yaml:"frequencyPenalty"`
	Seed             *int           `yaml:"seed"`
	LogitBias        map[string]int `yaml:"logitBias"`
}

// systemPrompt joins the configured base prompt with a per-request instruction.
func systemPrompt(base, instruction string) string {
	switch {
	case base == "":
		return instruction
	case instruction == "":
		return base
	default:
		return base + "\n\n" + instruction
	}
}

// assistantReply builds the transcript message for a provider's answer.
func assistantReply(content string) models.Message {
	return models.NewMessage(models.RoleAssistant, content)
}
