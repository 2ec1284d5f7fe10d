package sse

import "encoding/json"

// parsedChunk is an upstream SSE event's payload decoded with
// presence-aware field detection: a zero-value Content is indistinguishable
// from "no content field at all" unless decoding goes through
// map[string]json.RawMessage first, which spec §4.5's rewrapper rules
// require (rule 3 keys off "delta contains role", not "role != \"\"").
type parsedChunk struct {
	ID       string
	Created  int64
	Model    string
	Index    int
	HasRole  bool
	HasContent bool
	Content  string

	FinishReason *string
	ToolCallsRaw json.RawMessage

	ErrorRaw json.RawMessage

	PromptFilterOnly bool
	PromptFilterRaw  json.RawMessage

	HasChoices bool
}

// parseUpstreamChunk decodes one SSE event payload. It never errors on a
// recognized-but-empty shape; it only errors when the payload isn't a JSON
// object at all, so the bridge can drop it as an unparseable frame per
// spec §4.5 ("non-parseable payloads are logged and dropped").
func parseUpstreamChunk(payload []byte) (*parsedChunk, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(payload, &top); err != nil {
		return nil, err
	}

	c := &parsedChunk{}

	if raw, ok := top["error"]; ok {
		c.ErrorRaw = raw
		return c, nil
	}

	if raw, ok := top["id"]; ok {
		_ = json.Unmarshal(raw, &c.ID)
	}
	if raw, ok := top["created"]; ok {
		_ = json.Unmarshal(raw, &c.Created)
	}
	if raw, ok := top["model"]; ok {
		_ = json.Unmarshal(raw, &c.Model)
	}

	choicesRaw, hasChoices := top["choices"]
	if !hasChoices {
		if raw, ok := top["prompt_filter_results"]; ok {
			c.PromptFilterOnly = true
			c.PromptFilterRaw = raw
		}
		return c, nil
	}

	var choices []map[string]json.RawMessage
	if err := json.Unmarshal(choicesRaw, &choices); err != nil || len(choices) == 0 {
		return c, nil
	}
	c.HasChoices = true

	choice := choices[0]
	if raw, ok := choice["index"]; ok {
		_ = json.Unmarshal(raw, &c.Index)
	}
	if raw, ok := choice["finish_reason"]; ok {
		var fr *string
		if err := json.Unmarshal(raw, &fr); err == nil {
			c.FinishReason = fr
		}
	}

	deltaRaw, hasDelta := choice["delta"]
	if !hasDelta {
		return c, nil
	}
	var delta map[string]json.RawMessage
	if err := json.Unmarshal(deltaRaw, &delta); err != nil {
		return c, nil
	}
	if _, ok := delta["role"]; ok {
		c.HasRole = true
	}
	if raw, ok := delta["content"]; ok {
		var content *string
		if json.Unmarshal(raw, &content) == nil && content != nil {
			c.HasContent = true
			c.Content = *content
		}
	}
	if raw, ok := delta["tool_calls"]; ok {
		c.ToolCallsRaw = raw
	}

	return c, nil
}
