// Package azureapi holds the Azure OpenAI wire shapes and constant scaffolding
// shared by the transformer, SSE bridge, and response builders: the JSON
// envelopes a client built against an Azure OpenAI SDK expects to see,
// independent of what the custom upstream actually returns.
package azureapi

import (
	"strings"

	"github.com/google/uuid"
)

// ContentFilterCategory is one entry of Azure's content-filter result object.
type ContentFilterCategory struct {
	Filtered bool   `json:"filtered"`
	Severity string `json:"severity"`
}

// JailbreakResult is the prompt-level jailbreak detector result.
type JailbreakResult struct {
	Detected bool `json:"detected"`
	Filtered bool `json:"filtered"`
}

// ContentFilterResult is the full per-choice / per-prompt filter object.
// Azure always reports these four categories; jailbreak is prompt-level only.
type ContentFilterResult struct {
	Hate      ContentFilterCategory `json:"hate"`
	SelfHarm  ContentFilterCategory `json:"self_harm"`
	Sexual    ContentFilterCategory `json:"sexual"`
	Violence  ContentFilterCategory `json:"violence"`
	Jailbreak *JailbreakResult      `json:"jailbreak,omitempty"`
}

// SafeCategoryScaffold is the fixed "safe" category object reused by every
// non-final chunk and every buffered response choice. Treat as read-only —
// a future policy engine would replace this constant with a function of the
// message content, but the call-site shape must not change (see DESIGN.md).
var SafeCategoryScaffold = ContentFilterCategory{Filtered: false, Severity: "safe"}

// ContentFilterSafe returns a fresh copy of the four-category "safe" scaffold
// without a jailbreak entry, used on choice-level content_filter_results.
func ContentFilterSafe() ContentFilterResult {
	return ContentFilterResult{
		Hate:     SafeCategoryScaffold,
		SelfHarm: SafeCategoryScaffold,
		Sexual:   SafeCategoryScaffold,
		Violence: SafeCategoryScaffold,
	}
}

// PromptFilterSafe returns a fresh copy of the five-category "safe" scaffold
// (including jailbreak), used on prompt_filter_results.
func PromptFilterSafe() ContentFilterResult {
	r := ContentFilterSafe()
	r.Jailbreak = &JailbreakResult{Detected: false, Filtered: false}
	return r
}

// ContentFilterEmpty is used on the final chunk of a stream, which Azure
// emits with an empty content_filter_results object.
var ContentFilterEmpty = ContentFilterResult{}

// UsageDetails mirrors Azure's nested token accounting objects. Azure emits
// both unconditionally even when the upstream provided neither.
type UsageDetails struct {
	ReasoningTokens          int `json:"reasoning_tokens"`
	AcceptedPredictionTokens int `json:"accepted_prediction_tokens"`
	RejectedPredictionTokens int `json:"rejected_prediction_tokens"`
	AudioTokens              int `json:"audio_tokens"`
}

type PromptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
	AudioTokens  int `json:"audio_tokens"`
}

type Usage struct {
	PromptTokens            int                  `json:"prompt_tokens"`
	CompletionTokens        int                  `json:"completion_tokens"`
	TotalTokens             int                  `json:"total_tokens"`
	CompletionTokensDetails UsageDetails         `json:"completion_tokens_details"`
	PromptTokensDetails     PromptTokensDetails  `json:"prompt_tokens_details"`
}

// NewChatCompletionID returns a stable-looking "chatcmpl-…" identifier, used
// whenever neither the upstream nor a prior chunk has already supplied one.
func NewChatCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// DefaultSystemFingerprint is used when neither the upstream response nor the
// SYSTEM_FINGERPRINT configuration variable provides one.
const DefaultSystemFingerprint = "fp_custom_proxy"
