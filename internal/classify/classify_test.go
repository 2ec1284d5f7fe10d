package classify

import (
	"testing"

	"github.com/nulpointcorp/azurecompat-proxy/internal/apierr"
	"github.com/nulpointcorp/azurecompat-proxy/internal/endpointmap"
)

func TestClassify_MissingCredential(t *testing.T) {
	_, err := Classify(endpointmap.SuffixChatCompletions, []byte(`{}`), false, Capabilities{})
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Code != apierr.Unauthorized {
		t.Fatalf("expected Unauthorized, got %s", err.Code)
	}
}

func TestClassify_TextChat(t *testing.T) {
	body := []byte(`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"Hi"}],"stream":false}`)
	cr, err := Classify(endpointmap.SuffixChatCompletions, body, true, Capabilities{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cr.Kind != TextChat {
		t.Fatalf("expected TextChat, got %s", cr.Kind)
	}
	if cr.IsStreaming {
		t.Fatal("expected IsStreaming=false")
	}
}

func TestClassify_TextChat_EmptyMessages(t *testing.T) {
	body := []byte(`{"messages":[]}`)
	_, err := Classify(endpointmap.SuffixChatCompletions, body, true, Capabilities{})
	if err == nil || err.Code != apierr.BadRequest {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestClassify_VisionChat_SingleImage(t *testing.T) {
	body := []byte(`{"messages":[{"role":"user","content":[
		{"type":"text","text":"what is this"},
		{"type":"image_url","image_url":{"url":"https://example.com/cat.png"}}
	]}]}`)
	cr, err := Classify(endpointmap.SuffixChatCompletions, body, true, Capabilities{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cr.Kind != VisionChat {
		t.Fatalf("expected VisionChat, got %s", cr.Kind)
	}
}

func TestClassify_VisionChat_DataURL(t *testing.T) {
	body := []byte(`{"messages":[{"role":"user","content":[
		{"type":"image_url","image_url":{"url":"data:image/png;base64,aGVsbG8="}}
	]}]}`)
	cr, err := Classify(endpointmap.SuffixChatCompletions, body, true, Capabilities{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cr.Kind != VisionChat {
		t.Fatalf("expected VisionChat, got %s", cr.Kind)
	}
}

func TestClassify_VisionChat_MultipleImages(t *testing.T) {
	body := []byte(`{"messages":[{"role":"user","content":[
		{"type":"image_url","image_url":{"url":"https://example.com/a.png"}},
		{"type":"image_url","image_url":{"url":"https://example.com/b.png"}}
	]}]}`)
	_, err := Classify(endpointmap.SuffixChatCompletions, body, true, Capabilities{})
	if err == nil || err.Code != apierr.BadRequest {
		t.Fatalf("expected BadRequest, got %v", err)
	}
	if err.Message != "Invalid image data." {
		t.Fatalf("unexpected message: %s", err.Message)
	}
}

func TestClassify_VisionChat_MultipleImages_AllowedByCapabilityFlag(t *testing.T) {
	body := []byte(`{"messages":[{"role":"user","content":[
		{"type":"image_url","image_url":{"url":"https://example.com/a.png"}},
		{"type":"image_url","image_url":{"url":"https://example.com/b.png"}}
	]}]}`)
	cr, err := Classify(endpointmap.SuffixChatCompletions, body, true, Capabilities{AllowMultipleImages: true})
	if err != nil {
		t.Fatalf("unexpected error with AllowMultipleImages set: %v", err)
	}
	if cr.Kind != VisionChat {
		t.Fatalf("expected VisionChat, got %s", cr.Kind)
	}
}

func TestClassify_VisionChat_BadURL(t *testing.T) {
	body := []byte(`{"messages":[{"role":"user","content":[
		{"type":"image_url","image_url":{"url":"ftp://example.com/a.png"}}
	]}]}`)
	_, err := Classify(endpointmap.SuffixChatCompletions, body, true, Capabilities{})
	if err == nil || err.Code != apierr.BadRequest {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestClassify_VisionChat_StreamForbidden(t *testing.T) {
	body := []byte(`{"stream":true,"messages":[{"role":"user","content":[
		{"type":"image_url","image_url":{"url":"https://example.com/a.png"}}
	]}]}`)
	_, err := Classify(endpointmap.SuffixChatCompletions, body, true, Capabilities{})
	if err == nil || err.Code != apierr.BadRequest {
		t.Fatalf("expected BadRequest, got %v", err)
	}
	if err.Message != "Streaming is not supported for vision requests." {
		t.Fatalf("unexpected message: %s", err.Message)
	}
}

func TestClassify_VisionChat_BadDetail(t *testing.T) {
	body := []byte(`{"messages":[{"role":"user","content":[
		{"type":"image_url","image_url":{"url":"https://example.com/a.png","detail":"ultra"}}
	]}]}`)
	_, err := Classify(endpointmap.SuffixChatCompletions, body, true, Capabilities{})
	if err == nil || err.Code != apierr.BadRequest {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestClassify_LegacyCompletion(t *testing.T) {
	body := []byte(`{"prompt":"Once upon a time","max_tokens":5}`)
	cr, err := Classify(endpointmap.SuffixCompletions, body, true, Capabilities{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cr.Kind != LegacyCompletion {
		t.Fatalf("expected LegacyCompletion, got %s", cr.Kind)
	}
	if len(cr.Messages) != 1 || cr.Messages[0].Role != "user" {
		t.Fatalf("expected a single synthesized user message, got %+v", cr.Messages)
	}
}

func TestClassify_Embeddings_String(t *testing.T) {
	body := []byte(`{"input":"hello world"}`)
	cr, err := Classify(endpointmap.SuffixEmbeddings, body, true, Capabilities{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cr.Kind != Embeddings {
		t.Fatalf("expected Embeddings, got %s", cr.Kind)
	}
}

func TestClassify_Embeddings_ArrayEmpty(t *testing.T) {
	body := []byte(`{"input":[]}`)
	_, err := Classify(endpointmap.SuffixEmbeddings, body, true, Capabilities{})
	if err == nil || err.Code != apierr.BadRequest {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestClassify_ImageGen_Valid(t *testing.T) {
	body := []byte(`{"prompt":"a cat","n":2,"size":"1024x1024","quality":"hd","response_format":"url"}`)
	cr, err := Classify(endpointmap.SuffixImagesGenerations, body, true, Capabilities{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cr.Kind != ImageGen {
		t.Fatalf("expected ImageGen, got %s", cr.Kind)
	}
}

func TestClassify_ImageGen_BadN(t *testing.T) {
	body := []byte(`{"prompt":"a cat","n":11}`)
	_, err := Classify(endpointmap.SuffixImagesGenerations, body, true, Capabilities{})
	if err == nil || err.Code != apierr.BadRequest {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestClassify_ImageGen_BadSize(t *testing.T) {
	body := []byte(`{"prompt":"a cat","size":"512x512"}`)
	_, err := Classify(endpointmap.SuffixImagesGenerations, body, true, Capabilities{})
	if err == nil || err.Code != apierr.BadRequest {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestCheckBodySize(t *testing.T) {
	if err := CheckBodySize(make([]byte, 100), 50); err == nil || err.Code != apierr.RequestEntityTooLarge {
		t.Fatalf("expected RequestEntityTooLarge, got %v", err)
	}
	if err := CheckBodySize(make([]byte, 10), 50); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
