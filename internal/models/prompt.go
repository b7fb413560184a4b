package models

import (
	"errors"
	"strings"
)

// ErrPromptRequired is returned when the submitted prompt is blank.
var ErrPromptRequired = errors.New("prompt is required")

// PromptRequiredLabel is shown under the input when ErrPromptRequired is returned.
const PromptRequiredLabel = "Prompt is required"

// PromptForm is the input form shared by every generation page.
type PromptForm struct {
	Prompt string
}

// Validate trims the prompt in place and checks that something is left.
func (f *PromptForm) Validate() error {
	f.Prompt = strings.TrimSpace(f.Prompt)
	if f.Prompt == "" {
		return ErrPromptRequired
	}
	return nil
}
