package models

// Feature describes one generation page: how it is presented, which proxy endpoint it calls and how the
// proxy should instruct the model.
type Feature struct {
	Slug        string
	Title       string
	Description string
	Placeholder string
	Icon        string
	IconColor   string
	BgColor     string

	// Endpoint is the proxy path the transcript is posted to.
	Endpoint string
	// Markdown renders assistant replies as markdown with highlighted code blocks.
	Markdown bool
	// ResetOnSuccess clears the prompt input after a successful generation.
	ResetOnSuccess bool
	// Instruction is the system message the proxy prepends before calling the model. Empty means none.
	Instruction string
}

const (
	// FeatureConversation is the slug of the chat page.
	FeatureConversation = "conversation"
	// FeatureCode is the slug of the code generation page.
	FeatureCode = "code"
)

var features = []Feature{
	{
		Slug:        FeatureConversation,
		Title:       "Conversation",
		Description: "Chat with the smartest AI - Experience the power of AI",
		Placeholder: "How do I calculate the radius of a circle?",
		Icon:        "message-square",
		IconColor:   "text-violet-500",
		BgColor:     "bg-violet-500/10",
		Endpoint:    "/api/conversation",
	},
	{
		Slug:           FeatureCode,
		Title:          "Code Generation",
		Description:    "Generate code using descriptive text.",
		Placeholder:    "Simple toggle button using React JS",
		Icon:           "code",
		IconColor:      "text-green-700",
		BgColor:        "bg-green-700/10",
		Endpoint:       "/api/code",
		Markdown:       true,
		ResetOnSuccess: true,
		Instruction: "You are a code generator. You must answer only in markdown code snippets. " +
			"Use code comments for explanations.",
	},
}

// Features returns the catalogue of generation pages in dashboard order.
func Features() []Feature {
	out := make([]Feature, len(features))
	copy(out, features)
	return out
}

// FeatureBySlug looks a feature up by its slug.
func FeatureBySlug(slug string) (Feature, bool) {
	for _, f := range features {
		if f.Slug == slug {
			return f, true
		}
	}
	return Feature{}, false
}
