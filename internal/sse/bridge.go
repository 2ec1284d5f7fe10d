package sse

import (
	"encoding/json"
	"io"
	"time"

	"github.com/nulpointcorp/azurecompat-proxy/internal/apierr"
	"github.com/nulpointcorp/azurecompat-proxy/internal/azureapi"
)

type streamState int

const (
	stateInit streamState = iota
	stateRoleSent
	stateContent
	stateFinal
	stateClosed
)

// azureStreamChunk is the Azure chat.completion.chunk envelope (spec §3
// AzureChunk). id/created/model/system_fingerprint stay fixed for the whole
// stream once the first upstream chunk sets them.
type azureStreamChunk struct {
	ID                  string              `json:"id"`
	Object              string              `json:"object"`
	Created             int64               `json:"created"`
	Model               string              `json:"model"`
	SystemFingerprint   string              `json:"system_fingerprint"`
	Choices             []azureStreamChoice `json:"choices"`
	PromptFilterResults json.RawMessage     `json:"prompt_filter_results,omitempty"`
}

type azureStreamChoice struct {
	Index                int                          `json:"index"`
	Delta                azureStreamDelta             `json:"delta"`
	FinishReason         *string                      `json:"finish_reason"`
	Logprobs             any                          `json:"logprobs"`
	ContentFilterResults azureapi.ContentFilterResult `json:"content_filter_results"`
}

type azureStreamDelta struct {
	Role      string          `json:"role,omitempty"`
	Content   *string         `json:"content,omitempty"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
}

// Bridge rewraps an upstream SSE byte stream into an Azure-shaped one,
// implementing the INIT→ROLE_SENT→CONTENT→FINAL→CLOSED state machine of
// spec §4.5. It is a pull iterator: each Next() call returns the next frame
// of bytes ("data: ...\n\n") the caller should write and flush immediately,
// one flush per frame, never batched. The caller drives Next() inside the
// fasthttp body-stream-writer callback.
type Bridge struct {
	events *eventReader

	deploymentFallback string
	fingerprint        string

	id      string
	created int64
	model   string
	state   streamState

	wroteAnyFrame bool
	pending       [][]byte
	preErr        *apierr.APIError

	promptFilterRaw  json.RawMessage
	promptFilterSent bool

	// OnDroppedFrame, if set, is called whenever an upstream event fails to
	// parse as JSON; the frame is discarded and the stream continues.
	OnDroppedFrame func(payload string, err error)
	// OnPrematureEnd, if set, is called once when the upstream connection
	// ends (EOF or a transport error) before a finish_reason chunk was ever
	// seen, i.e. a disconnect rather than a clean close (spec §4.5
	// Cancellation: "treated as a premature end ... and log a warning").
	OnPrematureEnd func(err error)
}

// NewBridge constructs a Bridge reading upstream SSE bytes from src.
// deploymentFallback is used as the chunk "model" field when the upstream
// never supplies one; fingerprint is the configured SYSTEM_FINGERPRINT
// default.
func NewBridge(src io.Reader, deploymentFallback, fingerprint string) *Bridge {
	return &Bridge{
		events:              newEventReader(src),
		deploymentFallback: deploymentFallback,
		fingerprint:        fingerprint,
	}
}

// Next returns the next frame to write. finished=true means this is the
// last frame to write (the caller should stop calling Next() and close the
// response). preErr is non-nil only when the stream ends before any frame
// was ever produced — the caller should discard the streaming response
// entirely and write a buffered Azure error instead (spec §4.5 mid-stream
// errors, pre-content case), since no bytes have been committed yet.
func (b *Bridge) Next() (frame []byte, finished bool, preErr *apierr.APIError) {
	for len(b.pending) == 0 && b.state != stateClosed {
		b.step()
	}
	if len(b.pending) == 0 {
		if b.preErr != nil {
			pe := b.preErr
			b.preErr = nil
			return nil, true, pe
		}
		return nil, true, nil
	}
	frame = b.pending[0]
	b.pending = b.pending[1:]
	b.wroteAnyFrame = true
	finished = b.state == stateClosed && len(b.pending) == 0
	return frame, finished, nil
}

func (b *Bridge) step() {
	payload, err := b.events.Next()
	if err != nil {
		b.finalizeOnEnd(true, err)
		return
	}
	if payload == "[DONE]" {
		b.finalizeOnEnd(false, nil)
		return
	}

	chunk, perr := parseUpstreamChunk([]byte(payload))
	if perr != nil {
		if b.OnDroppedFrame != nil {
			b.OnDroppedFrame(payload, perr)
		}
		return
	}
	if chunk.ErrorRaw != nil {
		b.handleError(chunk.ErrorRaw)
		return
	}

	b.ensureIdentity(chunk)

	if chunk.PromptFilterOnly {
		b.promptFilterRaw = chunk.PromptFilterRaw
		return
	}
	if !chunk.HasChoices {
		return
	}
	b.applyChoice(chunk)
}

func (b *Bridge) ensureIdentity(chunk *parsedChunk) {
	if b.id != "" {
		return
	}
	id, created, model := "", int64(0), ""
	if chunk != nil {
		id, created, model = chunk.ID, chunk.Created, chunk.Model
	}
	if id == "" {
		id = azureapi.NewChatCompletionID()
	}
	if created == 0 {
		created = time.Now().Unix()
	}
	if model == "" {
		model = b.deploymentFallback
	}
	b.id, b.created, b.model = id, created, model
}

// applyChoice implements spec §4.5 rules 3-6, in their listed order: role,
// then content, then finish_reason, then tool_calls. A single upstream
// event can legitimately carry more than one of these. A content delta that
// arrives before any role delta still gets an assistant role chunk first,
// and only the first finish_reason of a stream is emitted.
func (b *Bridge) applyChoice(chunk *parsedChunk) {
	if (chunk.HasRole || chunk.HasContent) && b.state == stateInit {
		empty := ""
		b.emit(chunk.Index, azureStreamDelta{Role: "assistant", Content: &empty}, nil, azureapi.ContentFilterEmpty)
		b.state = stateRoleSent
	}
	if chunk.HasContent {
		content := chunk.Content
		b.emit(chunk.Index, azureStreamDelta{Content: &content}, nil, azureapi.ContentFilterSafe())
		b.state = stateContent
	}
	if chunk.FinishReason != nil && b.state != stateFinal {
		b.emit(chunk.Index, azureStreamDelta{}, chunk.FinishReason, azureapi.ContentFilterEmpty)
		b.state = stateFinal
	}
	if chunk.ToolCallsRaw != nil {
		b.emit(chunk.Index, azureStreamDelta{ToolCalls: chunk.ToolCallsRaw}, nil, azureapi.ContentFilterSafe())
	}
}

func (b *Bridge) handleError(errorRaw json.RawMessage) {
	msg := extractErrorMessage(errorRaw)
	if !b.wroteAnyFrame {
		b.preErr = apierr.New(apierr.BadGateway, msg)
		b.state = stateClosed
		return
	}
	b.pending = append(b.pending, formatFrame(apierr.Marshal(apierr.New(apierr.BadGateway, msg))))
	b.pending = append(b.pending, doneFrame)
	b.state = stateClosed
}

func extractErrorMessage(raw json.RawMessage) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		if m, ok := obj["message"]; ok {
			var s string
			if json.Unmarshal(m, &s) == nil && s != "" {
				return s
			}
		}
	}
	return "The upstream reported an error."
}

// finalizeOnEnd implements the sentinel-handling rule of spec §4.5: on
// DONE or upstream EOF, synthesize a final chunk if one was never sent,
// then always emit DONE and close. isPrematureDisconnect is true only when
// the stream ended via a read error/EOF rather than an explicit DONE event.
func (b *Bridge) finalizeOnEnd(isPrematureDisconnect bool, err error) {
	if isPrematureDisconnect && b.state != stateFinal && b.OnPrematureEnd != nil {
		b.OnPrematureEnd(err)
	}
	b.ensureIdentity(nil)
	if b.state != stateFinal {
		stop := "stop"
		b.emit(0, azureStreamDelta{}, &stop, azureapi.ContentFilterEmpty)
		b.state = stateFinal
	}
	b.pending = append(b.pending, doneFrame)
	b.state = stateClosed
}

// emit appends one rewrapped chunk to the pending queue. The upstream's
// prompt_filter_results, if it sent one before any choice, rides along on
// the first chunk only (spec's Azure clients read it off chunk one).
func (b *Bridge) emit(index int, delta azureStreamDelta, finishReason *string, filter azureapi.ContentFilterResult) {
	c := azureStreamChunk{
		ID:                b.id,
		Object:            "chat.completion.chunk",
		Created:           b.created,
		Model:             b.model,
		SystemFingerprint: b.fingerprint,
		Choices: []azureStreamChoice{{
			Index:                index,
			Delta:                delta,
			FinishReason:         finishReason,
			ContentFilterResults: filter,
		}},
	}
	if !b.promptFilterSent && b.promptFilterRaw != nil {
		c.PromptFilterResults = b.promptFilterRaw
		b.promptFilterSent = true
	}
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	b.pending = append(b.pending, formatFrame(data))
}

var doneFrame = []byte("data: [DONE]\n\n")

func formatFrame(data []byte) []byte {
	frame := make([]byte, 0, len(data)+9)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, '\n', '\n')
	return frame
}
