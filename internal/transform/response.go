package transform

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nulpointcorp/azurecompat-proxy/internal/azureapi"
)

// upstreamChatResponse is the shape the custom upstream's buffered chat
// endpoint returns. Fields mirror what the upstream documents and what the
// teacher's azure.go decodes (id/model/choices/usage), extended with the
// optional nested usage-detail objects this spec also forwards when present.
type upstreamChatResponse struct {
	ID                string           `json:"id"`
	Created           int64            `json:"created"`
	Model             string           `json:"model"`
	SystemFingerprint string           `json:"system_fingerprint"`
	Choices           []upstreamChoice `json:"choices"`
	Usage             *upstreamUsage   `json:"usage"`
}

type upstreamChoice struct {
	Index        int              `json:"index"`
	Message      *upstreamMessage `json:"message"`
	FinishReason *string          `json:"finish_reason"`
}

type upstreamMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type upstreamUsage struct {
	PromptTokens            int                          `json:"prompt_tokens"`
	CompletionTokens        int                          `json:"completion_tokens"`
	TotalTokens             int                          `json:"total_tokens"`
	CompletionTokensDetails *azureapi.UsageDetails       `json:"completion_tokens_details"`
	PromptTokensDetails     *azureapi.PromptTokensDetails `json:"prompt_tokens_details"`
}

// AzureChatResponse is the buffered chat/completion envelope emitted to the
// client (spec §4.6, §3 AzureResponse).
type AzureChatResponse struct {
	ID                  string                `json:"id"`
	Object              string                `json:"object"`
	Created             int64                 `json:"created"`
	Model               string                `json:"model"`
	Choices             []AzureChoice         `json:"choices"`
	Usage               azureapi.Usage        `json:"usage"`
	SystemFingerprint   string                `json:"system_fingerprint"`
	PromptFilterResults []PromptFilterEntry   `json:"prompt_filter_results"`
}

type AzureChoice struct {
	Index                int                          `json:"index"`
	Message              AzureMessage                 `json:"message"`
	FinishReason         *string                       `json:"finish_reason"`
	Logprobs             any                           `json:"logprobs"`
	ContentFilterResults azureapi.ContentFilterResult `json:"content_filter_results"`
}

type AzureMessage struct {
	Role        string `json:"role"`
	Content     string `json:"content"`
	Annotations []any  `json:"annotations"`
	Refusal     any    `json:"refusal"`
}

type PromptFilterEntry struct {
	PromptIndex          int                          `json:"prompt_index"`
	ContentFilterResults azureapi.ContentFilterResult `json:"content_filter_results"`
}

// BuildChatResponse rewraps a buffered upstream chat response into the Azure
// chat.completion shape (spec §4.6). defaultFingerprint is the configured
// SYSTEM_FINGERPRINT, used only when the upstream didn't supply its own.
func BuildChatResponse(upstreamBody []byte, deployment, defaultFingerprint string) ([]byte, error) {
	var up upstreamChatResponse
	if err := json.Unmarshal(upstreamBody, &up); err != nil {
		return nil, fmt.Errorf("transform: decode upstream chat response: %w", err)
	}

	id := up.ID
	if id == "" {
		id = azureapi.NewChatCompletionID()
	}
	created := up.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	model := up.Model
	if model == "" {
		model = deployment
	}
	fingerprint := up.SystemFingerprint
	if fingerprint == "" {
		fingerprint = defaultFingerprint
	}

	choices := make([]AzureChoice, 0, len(up.Choices))
	for _, c := range up.Choices {
		role, content := "assistant", ""
		if c.Message != nil {
			if c.Message.Role != "" {
				role = c.Message.Role
			}
			content = c.Message.Content
		}
		choices = append(choices, AzureChoice{
			Index: c.Index,
			Message: AzureMessage{
				Role:        role,
				Content:     content,
				Annotations: []any{},
			},
			FinishReason:         c.FinishReason,
			ContentFilterResults: azureapi.ContentFilterSafe(),
		})
	}

	resp := AzureChatResponse{
		ID:                id,
		Object:            "chat.completion",
		Created:           created,
		Model:             model,
		Choices:           choices,
		Usage:             buildUsage(up.Usage),
		SystemFingerprint: fingerprint,
		PromptFilterResults: []PromptFilterEntry{
			{PromptIndex: 0, ContentFilterResults: azureapi.PromptFilterSafe()},
		},
	}
	return json.Marshal(resp)
}

func buildUsage(u *upstreamUsage) azureapi.Usage {
	if u == nil {
		return azureapi.Usage{}
	}
	out := azureapi.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.CompletionTokensDetails != nil {
		out.CompletionTokensDetails = *u.CompletionTokensDetails
	}
	if u.PromptTokensDetails != nil {
		out.PromptTokensDetails = *u.PromptTokensDetails
	}
	return out
}

// TextCompletionResponse is the legacy-completion surface's response shape
// (spec §4.6).
type TextCompletionResponse struct {
	ID      string                   `json:"id"`
	Object  string                   `json:"object"`
	Created int64                    `json:"created"`
	Model   string                   `json:"model"`
	Choices []TextCompletionChoice   `json:"choices"`
	Usage   azureapi.Usage           `json:"usage"`
}

type TextCompletionChoice struct {
	Text         string  `json:"text"`
	Index        int     `json:"index"`
	Logprobs     any     `json:"logprobs"`
	FinishReason *string `json:"finish_reason"`
}

// BuildLegacyCompletionResponse rewrites the chat-shaped upstream result
// into the text_completion envelope legacy /completions clients expect.
func BuildLegacyCompletionResponse(upstreamBody []byte, deployment string) ([]byte, error) {
	var up upstreamChatResponse
	if err := json.Unmarshal(upstreamBody, &up); err != nil {
		return nil, fmt.Errorf("transform: decode upstream completion response: %w", err)
	}

	id := up.ID
	if id == "" {
		id = azureapi.NewChatCompletionID()
	}
	created := up.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	model := up.Model
	if model == "" {
		model = deployment
	}

	choices := make([]TextCompletionChoice, 0, len(up.Choices))
	for _, c := range up.Choices {
		text := ""
		if c.Message != nil {
			text = c.Message.Content
		}
		choices = append(choices, TextCompletionChoice{
			Text:         text,
			Index:        c.Index,
			FinishReason: c.FinishReason,
		})
	}

	resp := TextCompletionResponse{
		ID:      id,
		Object:  "text_completion",
		Created: created,
		Model:   model,
		Choices: choices,
		Usage:   buildUsage(up.Usage),
	}
	return json.Marshal(resp)
}

// NormalizePassthrough applies the minimal image-gen/embeddings
// normalization from spec §4.6: inject "object" if absent, and ensure
// "data" (when present) is a JSON array rather than a bare object.
func NormalizePassthrough(body []byte, defaultObject string) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("transform: decode upstream response: %w", err)
	}

	if _, ok := m["object"]; !ok {
		objJSON, err := json.Marshal(defaultObject)
		if err != nil {
			return nil, err
		}
		m["object"] = objJSON
	}

	if dataRaw, ok := m["data"]; ok {
		var arr []json.RawMessage
		if err := json.Unmarshal(dataRaw, &arr); err != nil {
			wrapped, err := json.Marshal([]json.RawMessage{dataRaw})
			if err != nil {
				return nil, err
			}
			m["data"] = wrapped
		}
	}

	return json.Marshal(m)
}
