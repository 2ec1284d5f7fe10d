package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"
)

// handleImageGen simulates the custom upstream's image generation endpoint
// ("/ai/v1/images/generations").
func handleImageGen(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		if !checkAPIKey(w, r) {
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		var req struct {
			Prompt string `json:"prompt"`
			N      int    `json:"n"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}
		n := req.N
		if n < 1 {
			n = 1
		}

		data := make([]map[string]any, n)
		for i := range data {
			data[i] = map[string]any{
				"url": fmt.Sprintf("https://mock-upstream.internal/images/%x.png", rand.Int64()),
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"created": time.Now().Unix(),
			"data":    data,
		})
	}
}

// handleEmbeddings simulates the custom upstream's embeddings endpoint
// ("/ai/v1/embeddings").
func handleEmbeddings(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		if !checkAPIKey(w, r) {
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		var req struct {
			Model string `json:"model"`
			Input any    `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}

		var inputs []string
		switch v := req.Input.(type) {
		case string:
			inputs = []string{v}
		case []any:
			for _, x := range v {
				if s, ok := x.(string); ok {
					inputs = append(inputs, s)
				}
			}
		}
		if len(inputs) == 0 {
			inputs = []string{""}
		}

		model := req.Model
		if model == "" {
			model = "mock-embedding-model"
		}

		data := make([]map[string]any, len(inputs))
		for i := range inputs {
			data[i] = map[string]any{
				"index":     i,
				"embedding": fakeEmbedding(1536),
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"data":  data,
			"model": model,
			"usage": map[string]int{
				"prompt_tokens": len(inputs) * 5,
				"total_tokens":  len(inputs) * 5,
			},
		})
	}
}
