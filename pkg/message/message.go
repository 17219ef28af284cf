// Package message defines the canonical Message representation consumed
// by the runtime: a tagged variant over four roles, with the auxiliary
// flags the Context Pruner and Cache-Control Tagger rely on.
//
// Grounded on the shape of a2a.Message / model.Content in
// github.com/kadirpekel/hector/pkg/model/model.go, adapted to a plain
// JSON tagged union instead of the teacher's a2a wire type, and
// extended with the pruning/caching auxiliary fields spec.md §3 requires.
package message

import "encoding/json"

// Role is the tagged-variant discriminator for a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// TimeToLive marks how long a message should remain relevant before a
// collaborator may choose to drop it outside of pruning.
type TimeToLive string

const (
	TTLAgentStep  TimeToLive = "agentStep"
	TTLUserPrompt TimeToLive = "userPrompt"
)

// PartType discriminates the variants a Part may hold. Which variants
// are legal depends on the owning Message's Role (see Message doc).
type PartType string

const (
	PartText     PartType = "text"
	PartImage    PartType = "image"
	PartFile     PartType = "file"
	PartReasoning PartType = "reasoning"
	PartToolCall PartType = "tool-call"
	PartJSON     PartType = "json"
	PartMedia    PartType = "media"
)

// CacheControl is the provider-side caching annotation the Cache-Control
// Tagger (spec.md §4.3) attaches to selected content.
type CacheControl struct {
	Type string `json:"type"` // always "ephemeral" per spec.md §4.3
}

// Known provider keys that must all receive an identical cache-control
// write, per spec.md §9 "per-provider option merging".
const (
	ProviderAnthropic      = "anthropic"
	ProviderOpenRouter     = "openrouter"
	ProviderOpenAICompatible = "openaiCompatible"
)

// AllCacheControlProviders lists every provider key cache-control writes
// must be triple-written to.
var AllCacheControlProviders = []string{ProviderAnthropic, ProviderOpenRouter, ProviderOpenAICompatible}

// Part is one element of an ordered content sequence. Not every field
// applies to every PartType; see the constructors below for the
// well-formed combinations.
type Part struct {
	Type PartType `json:"type"`

	// text / reasoning
	Text string `json:"text,omitempty"`

	// image / file (user content)
	Source    string `json:"source,omitempty"`
	MediaType string `json:"mediaType,omitempty"`

	// tool-call (assistant content)
	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	Input      map[string]any `json:"input,omitempty"`

	// json output part (tool content)
	Value any `json:"value,omitempty"`

	// media output part (tool content)
	Data string `json:"data,omitempty"`

	// CacheControl, keyed by provider name. Populated only by the
	// Cache-Control Tagger; never set on a Message as it arrives.
	CacheControl map[string]CacheControl `json:"cacheControl,omitempty"`
}

func TextPart(text string) Part     { return Part{Type: PartText, Text: text} }
func ReasoningPart(text string) Part { return Part{Type: PartReasoning, Text: text} }
func ImagePart(source, mediaType string) Part {
	return Part{Type: PartImage, Source: source, MediaType: mediaType}
}
func FilePart(source, mediaType string) Part {
	return Part{Type: PartFile, Source: source, MediaType: mediaType}
}
func ToolCallPart(toolCallID, toolName string, input map[string]any) Part {
	return Part{Type: PartToolCall, ToolCallID: toolCallID, ToolName: toolName, Input: input}
}
func JSONPart(value any) Part { return Part{Type: PartJSON, Value: value} }
func MediaPart(data, mediaType string) Part {
	return Part{Type: PartMedia, Data: data, MediaType: mediaType}
}

// IsEmpty reports whether a part carries no observable content. Used by
// the Cache-Control Tagger's backward scan for "the last non-empty part".
func (p Part) IsEmpty() bool {
	switch p.Type {
	case PartText, PartReasoning:
		return p.Text == ""
	case PartJSON:
		return p.Value == nil
	case PartMedia:
		return p.Data == ""
	default:
		return false
	}
}

// Content is the tagged union for Message.Content: either a bare string
// or an ordered part sequence. The bare-string form is not restricted to
// any role: system, user and assistant messages built in this module
// (prompts, add_message, placeholders) may all carry it.
type Content struct {
	// Text holds the bare-string form. Non-nil iff this Content was
	// constructed as a plain string rather than a part sequence.
	Text *string

	// Parts holds the ordered part sequence. Empty when Text is set.
	Parts []Part
}

// StringContent builds a bare-string Content.
func StringContent(s string) Content { return Content{Text: &s} }

// PartsContent builds an ordered-parts Content.
func PartsContent(parts ...Part) Content { return Content{Parts: parts} }

// IsString reports whether this Content is the bare-string variant.
func (c Content) IsString() bool { return c.Text != nil }

// MarshalJSON renders Content as either a JSON string or a JSON array,
// matching the wire shape spec.md §3 describes.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Text != nil {
		return json.Marshal(*c.Text)
	}
	if c.Parts == nil {
		return json.Marshal([]Part{})
	}
	return json.Marshal(c.Parts)
}

// UnmarshalJSON accepts either a JSON string or a JSON array of parts.
func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = &s
		c.Parts = nil
		return nil
	}
	var parts []Part
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	c.Text = nil
	c.Parts = parts
	return nil
}

// Message is the canonical record the runtime operates on throughout
// the Agent Step Loop, Context Pruner, and Cache-Control Tagger.
type Message struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`

	// ToolCallID/ToolName identify the originating tool-call for a tool
	// message; spec.md §3 invariant: every tool message's ToolCallID
	// must match an assistant tool-call part earlier in the same history.
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`

	// ProviderOptions is a nested mapping keyed by provider name then
	// option name, passed through to the Stream Adapter.
	ProviderOptions map[string]map[string]any `json:"providerOptions,omitempty"`

	TimeToLive           TimeToLive `json:"timeToLive,omitempty"`
	KeepDuringTruncation bool       `json:"keepDuringTruncation,omitempty"`
	KeepLastTags         []string   `json:"keepLastTags,omitempty"`
	Tags                 []string   `json:"tags,omitempty"`

	// CacheControl is set at message level only for bare-string content,
	// whatever the message's role, per spec.md §4.3.
	CacheControl map[string]CacheControl `json:"cacheControl,omitempty"`
}

// HasTag reports whether the message carries the given tag.
func (m Message) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone deep-copies a Message so pruning/tagging never mutates a caller's
// slice in place. Grounded on the explicit per-field deep-copy idiom in
// model.GenerateConfig.Clone (pkg/model/model.go).
func (m Message) Clone() Message {
	clone := m

	if m.Content.Text != nil {
		t := *m.Content.Text
		clone.Content = Content{Text: &t}
	} else if m.Content.Parts != nil {
		parts := make([]Part, len(m.Content.Parts))
		for i, p := range m.Content.Parts {
			parts[i] = p.clone()
		}
		clone.Content = Content{Parts: parts}
	}

	if m.ProviderOptions != nil {
		clone.ProviderOptions = make(map[string]map[string]any, len(m.ProviderOptions))
		for provider, opts := range m.ProviderOptions {
			o := make(map[string]any, len(opts))
			for k, v := range opts {
				o[k] = v
			}
			clone.ProviderOptions[provider] = o
		}
	}
	if m.KeepLastTags != nil {
		clone.KeepLastTags = append([]string(nil), m.KeepLastTags...)
	}
	if m.Tags != nil {
		clone.Tags = append([]string(nil), m.Tags...)
	}
	if m.CacheControl != nil {
		clone.CacheControl = cloneCacheControl(m.CacheControl)
	}
	return clone
}

func (p Part) clone() Part {
	clone := p
	if p.Input != nil {
		in := make(map[string]any, len(p.Input))
		for k, v := range p.Input {
			in[k] = v
		}
		clone.Input = in
	}
	if p.CacheControl != nil {
		clone.CacheControl = cloneCacheControl(p.CacheControl)
	}
	return clone
}

func cloneCacheControl(m map[string]CacheControl) map[string]CacheControl {
	clone := make(map[string]CacheControl, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}

// SystemOmittedPlaceholder is the exact text the Context Pruner's pass 3
// materializes in place of a run of collapsed deletions (spec.md §4.2).
const SystemOmittedPlaceholder = "<system>Previous message(s) omitted due to length</system>"

// NewPlaceholderMessage builds the user-role placeholder message the
// pruner substitutes for one or more collapsed deletions.
func NewPlaceholderMessage() Message {
	return Message{
		Role:    RoleUser,
		Content: StringContent(SystemOmittedPlaceholder),
	}
}
