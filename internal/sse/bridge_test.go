package sse

import (
	"encoding/json"
	"strings"
	"testing"
)

func drainFrames(b *Bridge) ([][]byte, *struct{ msg string }) {
	var frames [][]byte
	for {
		frame, finished, preErr := b.Next()
		if preErr != nil {
			return frames, &struct{ msg string }{msg: preErr.Message}
		}
		if len(frame) > 0 {
			frames = append(frames, frame)
		}
		if finished {
			return frames, nil
		}
	}
}

func decodeChunk(t *testing.T, frame []byte) azureStreamChunk {
	t.Helper()
	s := strings.TrimPrefix(string(frame), "data: ")
	s = strings.TrimSuffix(s, "\n\n")
	if s == "[DONE]" {
		t.Fatal("tried to decode the DONE sentinel as a chunk")
	}
	var c azureStreamChunk
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		t.Fatalf("invalid chunk JSON %q: %v", s, err)
	}
	return c
}

func TestBridge_RolePrecedesContentAndSingleFinish(t *testing.T) {
	upstream := "" +
		"data: {\"id\":\"abc\",\"created\":100,\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
		"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hi\"}}]}\n\n" +
		"data: {\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n" +
		"data: [DONE]\n\n"

	b := NewBridge(strings.NewReader(upstream), "gpt-4o-mini", "fp_custom_proxy")
	frames, preErr := drainFrames(b)
	if preErr != nil {
		t.Fatalf("unexpected pre-content error: %s", preErr.msg)
	}
	if len(frames) != 4 {
		t.Fatalf("expected role+content+finish+DONE = 4 frames, got %d", len(frames))
	}
	if string(frames[3]) != "data: [DONE]\n\n" {
		t.Fatalf("expected last frame to be DONE, got %s", frames[3])
	}

	role := decodeChunk(t, frames[0])
	if role.Choices[0].Delta.Role != "assistant" {
		t.Fatalf("expected role chunk first, got %+v", role)
	}
	content := decodeChunk(t, frames[1])
	if content.Choices[0].Delta.Content == nil || *content.Choices[0].Delta.Content != "Hi" {
		t.Fatalf("expected content chunk second, got %+v", content)
	}
	finish := decodeChunk(t, frames[2])
	if finish.Choices[0].FinishReason == nil || *finish.Choices[0].FinishReason != "stop" {
		t.Fatalf("expected finish_reason chunk third, got %+v", finish)
	}

	finishCount := 0
	for _, f := range frames[:3] {
		c := decodeChunk(t, f)
		if c.Choices[0].FinishReason != nil {
			finishCount++
		}
	}
	if finishCount != 1 {
		t.Fatalf("expected exactly one chunk with a non-null finish_reason, got %d", finishCount)
	}
}

func TestBridge_StableIdentityAcrossChunks(t *testing.T) {
	upstream := "" +
		"data: {\"id\":\"fixed-id\",\"created\":42,\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
		"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"a\"}}]}\n\n" +
		"data: {\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n" +
		"data: [DONE]\n\n"

	b := NewBridge(strings.NewReader(upstream), "gpt-4o-mini", "fp_custom_proxy")
	frames, _ := drainFrames(b)
	for _, f := range frames[:3] {
		c := decodeChunk(t, f)
		if c.ID != "fixed-id" || c.Created != 42 || c.Model != "gpt-4o" {
			t.Fatalf("identity drifted across chunks: %+v", c)
		}
	}
}

func TestBridge_PrematureEOFSynthesizesFinalAndDone(t *testing.T) {
	upstream := "" +
		"data: {\"id\":\"abc\",\"created\":1,\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
		"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"partial\"}}]}\n\n"
	// no finish_reason, no DONE: the upstream just disconnects.

	var prematureCalled bool
	b := NewBridge(strings.NewReader(upstream), "gpt-4o-mini", "fp_custom_proxy")
	b.OnPrematureEnd = func(err error) { prematureCalled = true }

	frames, preErr := drainFrames(b)
	if preErr != nil {
		t.Fatalf("unexpected pre-content error: %s", preErr.msg)
	}
	if !prematureCalled {
		t.Fatal("expected OnPrematureEnd to fire")
	}
	if len(frames) != 4 {
		t.Fatalf("expected role+content+synthesized-final+DONE = 4 frames, got %d: %v", len(frames), frames)
	}
	last := frames[len(frames)-1]
	if string(last) != "data: [DONE]\n\n" {
		t.Fatalf("expected trailing DONE, got %s", last)
	}
	synthesized := decodeChunk(t, frames[len(frames)-2])
	if synthesized.Choices[0].FinishReason == nil || *synthesized.Choices[0].FinishReason != "stop" {
		t.Fatalf("expected a synthesized finish_reason=stop chunk, got %+v", synthesized)
	}
}

func TestBridge_EmptyStreamStillTerminatesWithDone(t *testing.T) {
	b := NewBridge(strings.NewReader(""), "gpt-4o-mini", "fp_custom_proxy")
	frames, preErr := drainFrames(b)
	if preErr != nil {
		t.Fatalf("unexpected pre-content error: %s", preErr.msg)
	}
	if len(frames) != 2 {
		t.Fatalf("expected a synthesized final chunk + DONE, got %d frames", len(frames))
	}
	if string(frames[1]) != "data: [DONE]\n\n" {
		t.Fatalf("expected DONE last, got %s", frames[1])
	}
}

func TestBridge_PreContentErrorSurfacesAsBufferedError(t *testing.T) {
	upstream := "data: {\"error\":{\"message\":\"upstream exploded\"}}\n\n"
	b := NewBridge(strings.NewReader(upstream), "gpt-4o-mini", "fp_custom_proxy")
	frames, preErr := drainFrames(b)
	if preErr == nil {
		t.Fatal("expected a pre-content error")
	}
	if preErr.msg != "upstream exploded" {
		t.Fatalf("unexpected error message: %s", preErr.msg)
	}
	if len(frames) != 0 {
		t.Fatalf("expected zero frames written before the error, got %d", len(frames))
	}
}

func TestBridge_PostContentErrorEmitsTerminalFrameThenDone(t *testing.T) {
	upstream := "" +
		"data: {\"id\":\"abc\",\"created\":1,\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
		"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"partial\"}}]}\n\n" +
		"data: {\"error\":{\"message\":\"connection reset\"}}\n\n"

	b := NewBridge(strings.NewReader(upstream), "gpt-4o-mini", "fp_custom_proxy")
	frames, preErr := drainFrames(b)
	if preErr != nil {
		t.Fatalf("a mid-stream error after content must not be a pre-content error: %s", preErr.msg)
	}
	if len(frames) != 4 {
		t.Fatalf("expected role+content+error-frame+DONE = 4, got %d", len(frames))
	}
	if string(frames[3]) != "data: [DONE]\n\n" {
		t.Fatalf("expected DONE last, got %s", frames[3])
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	s := strings.TrimSuffix(strings.TrimPrefix(string(frames[2]), "data: "), "\n\n")
	if err := json.Unmarshal([]byte(s), &envelope); err != nil {
		t.Fatalf("terminal frame is not a valid error envelope: %v", err)
	}
	if envelope.Error.Message != "connection reset" {
		t.Fatalf("unexpected terminal error message: %s", envelope.Error.Message)
	}
}

func TestBridge_DropsUnparseablePayloadWithoutAborting(t *testing.T) {
	upstream := "" +
		"data: not-json-at-all\n\n" +
		"data: {\"id\":\"abc\",\"created\":1,\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
		"data: [DONE]\n\n"

	var dropped int
	b := NewBridge(strings.NewReader(upstream), "gpt-4o-mini", "fp_custom_proxy")
	b.OnDroppedFrame = func(payload string, err error) { dropped++ }

	frames, preErr := drainFrames(b)
	if preErr != nil {
		t.Fatalf("unexpected pre-content error: %s", preErr.msg)
	}
	if dropped != 1 {
		t.Fatalf("expected exactly one dropped frame, got %d", dropped)
	}
	if len(frames) != 3 {
		t.Fatalf("expected role chunk + synthesized final + DONE to survive, got %d frames", len(frames))
	}
}

func TestBridge_PromptFilterOnlyChunkAbsorbedSilently(t *testing.T) {
	upstream := "" +
		"data: {\"prompt_filter_results\":[{\"prompt_index\":0,\"content_filter_results\":{}}]}\n\n" +
		"data: {\"id\":\"abc\",\"created\":1,\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
		"data: [DONE]\n\n"

	b := NewBridge(strings.NewReader(upstream), "gpt-4o-mini", "fp_custom_proxy")
	frames, preErr := drainFrames(b)
	if preErr != nil {
		t.Fatalf("unexpected pre-content error: %s", preErr.msg)
	}
	if len(frames) != 3 {
		t.Fatalf("expected prompt-filter chunk to be absorbed with no emitted frame (role + synthesized final + DONE), got %d frames", len(frames))
	}
}
