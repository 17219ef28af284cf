// Package cachecontrol implements the Cache-Control Tagger (spec.md
// §4.3): mark up to four messages for provider-side caching. Tag works
// on the runtime's own message list as it is passed in; no wire-format
// conversion or merging of consecutive same-role messages happens before
// or during tagging.
//
// No teacher file implements this selection logic directly; it is
// authored fresh, grounded conceptually on model.Provider
// (pkg/model/model.go), whose doc comments already describe the
// per-provider tool-result-pairing behavior this tagger's triple-write
// exists to serve uniformly across providers.
package cachecontrol

import "github.com/stepflow/agentruntime/pkg/message"

// Well-known tags the tagger's selection rules look for, per spec.md §4.3.
const (
	TagLastAssistantMessage = "LAST_ASSISTANT_MESSAGE"
	TagUserPrompt           = "USER_PROMPT"
	TagStepPrompt           = "STEP_PROMPT"
)

// MaxTaggedMessages is the provider-imposed cap on cache-control
// annotations per request.
const MaxTaggedMessages = 4

// cacheControlValue is the fixed annotation spec.md §4.3 attaches.
var cacheControlValue = message.CacheControl{Type: "ephemeral"}

// Tag selects up to MaxTaggedMessages messages in history and attaches
// cache_control to each, per spec.md §4.3's selection order:
//
//  1. the message immediately preceding the last message tagged
//     LAST_ASSISTANT_MESSAGE
//  2. same, for USER_PROMPT
//  3. same, for STEP_PROMPT
//  4. the last message of the list
//
// A selection whose computed index is <= 0 is skipped. Tag returns a
// new slice; history is never mutated in place.
func Tag(history []message.Message) []message.Message {
	out := make([]message.Message, len(history))
	for i, m := range history {
		out[i] = m.Clone()
	}
	if len(out) == 0 {
		return out
	}

	indices := selectionIndices(out)
	for _, idx := range indices {
		if idx <= 0 {
			continue
		}
		applyToMessage(&out[idx])
	}
	return out
}

// selectionIndices computes the (possibly duplicate, possibly <=0)
// candidate indices in selection order.
func selectionIndices(history []message.Message) []int {
	indices := make([]int, 0, 4)
	indices = append(indices, precedingLastTagged(history, TagLastAssistantMessage))
	indices = append(indices, precedingLastTagged(history, TagUserPrompt))
	indices = append(indices, precedingLastTagged(history, TagStepPrompt))
	indices = append(indices, len(history)-1)

	if len(indices) > MaxTaggedMessages {
		indices = indices[:MaxTaggedMessages]
	}
	return indices
}

// precedingLastTagged returns the index immediately before the last
// message carrying tag, or -1 if no message carries it.
func precedingLastTagged(history []message.Message, tag string) int {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].HasTag(tag) {
			return i - 1
		}
	}
	return -1
}

// applyToMessage attaches cache_control to the target message: at
// message level for bare-string content (of any role), or to
// the last non-empty content part otherwise, per the non-splitting
// resolution of spec.md §9's open question — attach to the last
// non-empty part as-is, never splitting it.
func applyToMessage(m *message.Message) {
	if m.Content.IsString() {
		m.CacheControl = tripleWrite()
		return
	}

	for i := len(m.Content.Parts) - 1; i >= 0; i-- {
		if !m.Content.Parts[i].IsEmpty() {
			m.Content.Parts[i].CacheControl = tripleWrite()
			return
		}
	}
}

// tripleWrite produces the identical cache-control write for all three
// known provider keys, per spec.md §9's "per-provider option merging"
// note: a provider router downstream picks exactly one, but all three
// keys must be populated identically.
func tripleWrite() map[string]message.CacheControl {
	m := make(map[string]message.CacheControl, len(message.AllCacheControlProviders))
	for _, provider := range message.AllCacheControlProviders {
		m[provider] = cacheControlValue
	}
	return m
}
