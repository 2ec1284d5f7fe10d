// Package classify is the Request Validator & Classifier (spec §4.2). It
// parses an incoming request body, classifies it into one of the five
// request kinds, and enforces every Azure-observed precondition before the
// request is allowed anywhere near the upstream.
package classify

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nulpointcorp/azurecompat-proxy/internal/apierr"
	"github.com/nulpointcorp/azurecompat-proxy/internal/endpointmap"
)

// Kind is the tagged-variant request classification from spec §3.
type Kind string

const (
	TextChat         Kind = "text-chat"
	VisionChat       Kind = "vision-chat"
	ImageGen         Kind = "image-gen"
	Embeddings       Kind = "embeddings"
	LegacyCompletion Kind = "legacy-completion"
)

// Message is a single chat message. Content is kept as raw JSON because it
// is either a plain string or a vision content-part array, and both shapes
// must be preserved byte-for-byte when passed through to the upstream.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentPart is one element of a vision message's content array.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// Capabilities gates request-shape checks that spec §9 calls out as
// deliberately reversible, rather than permanent protocol law. The zero
// value matches the upstream's current behavior (reject multi-image vision
// requests); flipping AllowMultipleImages is a config-level decision, not a
// protocol one, so it travels as an explicit argument instead of a package
// global.
type Capabilities struct {
	AllowMultipleImages bool
}

// ClassifiedRequest is the validated, classified request that flows into
// the transformer.
type ClassifiedRequest struct {
	Kind        Kind
	IsStreaming bool
	// Messages holds the chat message list for text-chat, vision-chat, and
	// legacy-completion (where it has been synthesized from prompt).
	Messages []Message
	// Raw is the fully decoded top-level body, for the transformer to read
	// pass-through fields (temperature, n, size, …) from without needing to
	// re-parse the body.
	Raw map[string]json.RawMessage
}

// CheckBodySize enforces the configured body-size ceiling before any JSON
// parsing is attempted (spec §4.2 "Body size within ProxyConfig.max_body_size").
func CheckBodySize(body []byte, maxBytes int64) *apierr.APIError {
	if int64(len(body)) > maxBytes {
		return apierr.New(apierr.RequestEntityTooLarge, "The request body is larger than the maximum allowed size.")
	}
	return nil
}

// Classify parses body and applies the classification and validation rules
// of spec §4.2 for the endpoint family identified by suffix.
//
// credentialPresent reflects whether the route layer found a non-empty
// api-key header or Authorization: Bearer value; the credential's value
// itself is never inspected here, only its presence (spec §4.2, §4.4).
func Classify(suffix endpointmap.Suffix, body []byte, credentialPresent bool, caps Capabilities) (*ClassifiedRequest, *apierr.APIError) {
	if !credentialPresent {
		return nil, apierr.New(apierr.Unauthorized, "Access denied due to missing subscription key or invalid api-key/Authorization header.")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, apierr.New(apierr.BadRequest, "The request body is not valid JSON.")
	}

	switch suffix {
	case endpointmap.SuffixChatCompletions:
		return classifyChat(raw, caps)
	case endpointmap.SuffixCompletions:
		return classifyLegacy(raw)
	case endpointmap.SuffixImagesGenerations:
		return classifyImageGen(raw)
	case endpointmap.SuffixEmbeddings:
		return classifyEmbeddings(raw)
	default:
		return nil, apierr.New(apierr.NotFound, "The requested resource was not found.")
	}
}

func classifyChat(raw map[string]json.RawMessage, caps Capabilities) (*ClassifiedRequest, *apierr.APIError) {
	messages, verr := decodeMessages(raw)
	if verr != nil {
		return nil, verr
	}
	stream := decodeBool(raw, "stream")

	isVision, imageCount, badURL, hasBadURL := inspectVision(messages)
	if isVision {
		if imageCount > 1 && !caps.AllowMultipleImages {
			return nil, apierr.New(apierr.BadRequest, "Invalid image data.")
		}
		if hasBadURL {
			return nil, apierr.New(apierr.BadRequest, fmt.Sprintf(
				"Invalid image_url %q: must be an http(s):// URL or a data:<mime>;base64,<payload> URL with a non-empty mime type.", badURL))
		}
		if stream {
			return nil, apierr.New(apierr.BadRequest, "Streaming is not supported for vision requests.")
		}
		if derr := validateDetail(messages); derr != nil {
			return nil, derr
		}
		return &ClassifiedRequest{Kind: VisionChat, IsStreaming: false, Messages: messages, Raw: raw}, nil
	}

	if len(messages) == 0 || !anyValidRole(messages) {
		return nil, apierr.New(apierr.BadRequest, "messages must be a non-empty array with at least one message of role system, user, assistant, or tool.")
	}
	return &ClassifiedRequest{Kind: TextChat, IsStreaming: stream, Messages: messages, Raw: raw}, nil
}

func classifyLegacy(raw map[string]json.RawMessage) (*ClassifiedRequest, *apierr.APIError) {
	prompt, ok := decodeNonEmptyString(raw, "prompt")
	if !ok {
		return nil, apierr.New(apierr.BadRequest, "prompt is required and must be a non-empty string.")
	}
	stream := decodeBool(raw, "stream")
	contentJSON, _ := json.Marshal(prompt)
	messages := []Message{{Role: "user", Content: contentJSON}}
	return &ClassifiedRequest{Kind: LegacyCompletion, IsStreaming: stream, Messages: messages, Raw: raw}, nil
}

func classifyImageGen(raw map[string]json.RawMessage) (*ClassifiedRequest, *apierr.APIError) {
	if _, ok := decodeNonEmptyString(raw, "prompt"); !ok {
		return nil, apierr.New(apierr.BadRequest, "prompt is required and must be a non-empty string.")
	}
	if nRaw, ok := raw["n"]; ok {
		var n int
		if err := json.Unmarshal(nRaw, &n); err != nil || n < 1 || n > 10 {
			return nil, apierr.New(apierr.BadRequest, "n must be an integer between 1 and 10.")
		}
	}
	if verr := validateEnumField(raw, "size", []string{"1024x1024", "1792x1024", "1024x1792"}); verr != nil {
		return nil, verr
	}
	if verr := validateEnumField(raw, "quality", []string{"standard", "hd"}); verr != nil {
		return nil, verr
	}
	if verr := validateEnumField(raw, "response_format", []string{"url", "b64_json"}); verr != nil {
		return nil, verr
	}
	return &ClassifiedRequest{Kind: ImageGen, Raw: raw}, nil
}

func classifyEmbeddings(raw map[string]json.RawMessage) (*ClassifiedRequest, *apierr.APIError) {
	invalid := apierr.New(apierr.BadRequest, "input is required and must be a non-empty string or a non-empty array of strings.")
	inputRaw, ok := raw["input"]
	if !ok {
		return nil, invalid
	}

	var s string
	if err := json.Unmarshal(inputRaw, &s); err == nil {
		if s == "" {
			return nil, invalid
		}
		return &ClassifiedRequest{Kind: Embeddings, Raw: raw}, nil
	}

	var arr []string
	if err := json.Unmarshal(inputRaw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, invalid
		}
		for _, v := range arr {
			if v == "" {
				return nil, invalid
			}
		}
		return &ClassifiedRequest{Kind: Embeddings, Raw: raw}, nil
	}

	return nil, invalid
}

func decodeMessages(raw map[string]json.RawMessage) ([]Message, *apierr.APIError) {
	r, ok := raw["messages"]
	if !ok {
		return nil, apierr.New(apierr.BadRequest, "messages is required and must be a non-empty array.")
	}
	var messages []Message
	if err := json.Unmarshal(r, &messages); err != nil {
		return nil, apierr.New(apierr.BadRequest, "messages is required and must be a non-empty array.")
	}
	return messages, nil
}

func anyValidRole(messages []Message) bool {
	for _, m := range messages {
		switch m.Role {
		case "system", "user", "assistant", "tool":
			return true
		}
	}
	return false
}

// inspectVision scans every message's content for image_url parts. Content
// that isn't a JSON array (the plain-string case) is silently skipped.
func inspectVision(messages []Message) (isVision bool, imageCount int, badURL string, hasBadURL bool) {
	for _, m := range messages {
		var parts []ContentPart
		if err := json.Unmarshal(m.Content, &parts); err != nil {
			continue
		}
		for _, p := range parts {
			if p.Type != "image_url" || p.ImageURL == nil {
				continue
			}
			isVision = true
			imageCount++
			if !validImageURL(p.ImageURL.URL) {
				hasBadURL = true
				badURL = p.ImageURL.URL
			}
		}
	}
	return
}

func validImageURL(u string) bool {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return true
	}
	if !strings.HasPrefix(u, "data:") {
		return false
	}
	rest := strings.TrimPrefix(u, "data:")
	idx := strings.Index(rest, ";base64,")
	if idx < 0 {
		return false
	}
	return rest[:idx] != ""
}

func validateDetail(messages []Message) *apierr.APIError {
	for _, m := range messages {
		var parts []ContentPart
		if err := json.Unmarshal(m.Content, &parts); err != nil {
			continue
		}
		for _, p := range parts {
			if p.Type != "image_url" || p.ImageURL == nil || p.ImageURL.Detail == "" {
				continue
			}
			switch p.ImageURL.Detail {
			case "low", "high", "auto":
			default:
				return apierr.New(apierr.BadRequest, "detail must be one of: low, high, auto.")
			}
		}
	}
	return nil
}

func validateEnumField(raw map[string]json.RawMessage, key string, allowed []string) *apierr.APIError {
	r, ok := raw[key]
	if !ok {
		return nil
	}
	var v string
	if err := json.Unmarshal(r, &v); err != nil {
		return apierr.New(apierr.BadRequest, fmt.Sprintf("%s has an invalid value.", key))
	}
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return apierr.New(apierr.BadRequest, fmt.Sprintf("%s must be one of: %s.", key, strings.Join(allowed, ", ")))
}

func decodeBool(raw map[string]json.RawMessage, key string) bool {
	r, ok := raw[key]
	if !ok {
		return false
	}
	var b bool
	_ = json.Unmarshal(r, &b)
	return b
}

func decodeNonEmptyString(raw map[string]json.RawMessage, key string) (string, bool) {
	r, ok := raw[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(r, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}
