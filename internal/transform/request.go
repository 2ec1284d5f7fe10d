// Package transform is the Request Transformer (spec §4.3) and Response
// Transformer (spec §4.6): it converts between the Azure-shaped envelope
// the client sent and the envelope the custom upstream expects, and back.
package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nulpointcorp/azurecompat-proxy/internal/classify"
)

// azurePrefixedKey reports whether a body field is an Azure-only control
// field that the upstream never expects (e.g. data-source / extension
// settings). Everything else passes through verbatim per spec §4.3.
func azurePrefixedKey(key string) bool {
	return strings.HasPrefix(key, "azure_")
}

func cloneWithoutAzureFields(raw map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		if azurePrefixedKey(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// BuildUpstreamBody produces the upstream request body for a classified
// request, per the per-kind mapping in spec §4.3.
func BuildUpstreamBody(cr *classify.ClassifiedRequest, deployment string) ([]byte, error) {
	switch cr.Kind {
	case classify.TextChat, classify.VisionChat:
		return buildModelSubstituted(cr.Raw, deployment)
	case classify.LegacyCompletion:
		return buildLegacyRewrite(cr, deployment)
	case classify.ImageGen:
		return buildModelSubstituted(cr.Raw, deployment)
	case classify.Embeddings:
		return buildModelIfAbsent(cr.Raw, deployment)
	default:
		return nil, fmt.Errorf("transform: unsupported request kind %q", cr.Kind)
	}
}

// buildModelSubstituted copies the body verbatim (messages included, vision
// content arrays intact) and forces model=deployment, used by text-chat,
// vision-chat, and image-gen (spec §4.3).
func buildModelSubstituted(raw map[string]json.RawMessage, deployment string) ([]byte, error) {
	out := cloneWithoutAzureFields(raw)
	modelJSON, err := json.Marshal(deployment)
	if err != nil {
		return nil, err
	}
	out["model"] = modelJSON
	return json.Marshal(out)
}

// buildModelIfAbsent only fills in model when the client didn't already
// supply one, used by embeddings (spec §4.3).
func buildModelIfAbsent(raw map[string]json.RawMessage, deployment string) ([]byte, error) {
	out := cloneWithoutAzureFields(raw)
	if _, ok := out["model"]; !ok {
		modelJSON, err := json.Marshal(deployment)
		if err != nil {
			return nil, err
		}
		out["model"] = modelJSON
	}
	return json.Marshal(out)
}

// buildLegacyRewrite rewrites a legacy completions body into the chat shape
// the upstream speaks: messages=[{role:"user", content: prompt}], all other
// parameters preserved, model substituted, stream as given (spec §4.3).
func buildLegacyRewrite(cr *classify.ClassifiedRequest, deployment string) ([]byte, error) {
	out := cloneWithoutAzureFields(cr.Raw)
	delete(out, "prompt")

	messagesJSON, err := json.Marshal(cr.Messages)
	if err != nil {
		return nil, err
	}
	out["messages"] = messagesJSON

	modelJSON, err := json.Marshal(deployment)
	if err != nil {
		return nil, err
	}
	out["model"] = modelJSON

	streamJSON, err := json.Marshal(cr.IsStreaming)
	if err != nil {
		return nil, err
	}
	out["stream"] = streamJSON

	return json.Marshal(out)
}
