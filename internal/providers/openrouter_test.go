package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func writeChatResponse(w http.ResponseWriter, content string) {
	resp := map[string]any{
		"id":    "test-id",
		"model": "qwen/qwen-2.5-7b-instruct",
		"choices": []map[string]any{
			{
				"message": map[string]any{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     10,
			"completion_tokens": 8,
			"total_tokens":      18,
			"cost":              0.0002,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func TestOpenRouterClient_Chat(t *testing.T) {
	t.Run("successful chat", func(t *testing.T) {
		var received openRouterRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/chat/completions" {
				t.Errorf("unexpected path: %s", r.URL.Path)
			}
			if r.Method != "POST" {
				t.Errorf("unexpected method: %s", r.Method)
			}
			if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
				t.Errorf("unexpected authorization: %s", auth)
			}
			json.NewDecoder(r.Body).Decode(&received)
			writeChatResponse(w, `{"characters":["Jax"]}`)
		}))
		defer server.Close()

		client := NewOpenRouterClient(OpenRouterConfig{
			APIKey:  "test-key",
			BaseURL: server.URL,
		})

		result, err := client.Chat(context.Background(), NewChatRequest("system", "Hello", 256, 0.2))
		if err != nil {
			t.Fatalf("Chat() error = %v", err)
		}
		if !result.Success {
			t.Error("expected Success = true")
		}
		if result.Content != `{"characters":["Jax"]}` {
			t.Errorf("Content = %q", result.Content)
		}
		if result.TotalTokens != 18 {
			t.Errorf("TotalTokens = %d, want 18", result.TotalTokens)
		}
		if result.FinishReason != "stop" {
			t.Errorf("FinishReason = %q, want stop", result.FinishReason)
		}
		if len(received.Messages) != 2 || received.Messages[0].Role != "system" {
			t.Errorf("expected system and user messages, got %+v", received.Messages)
		}
		if received.MaxTokens != 256 {
			t.Errorf("MaxTokens = %d, want 256", received.MaxTokens)
		}
	})

	t.Run("payload too large is not retried", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		}))
		defer server.Close()

		client := NewOpenRouterClient(OpenRouterConfig{
			APIKey:     "test-key",
			BaseURL:    server.URL,
			RetryDelay: time.Millisecond,
		})

		result, err := client.Chat(context.Background(), NewChatRequest("", "Hello", 64, 0))
		if !errors.Is(err, ErrContextLength) {
			t.Fatalf("expected ErrContextLength, got %v", err)
		}
		if calls.Load() != 1 {
			t.Errorf("expected 1 request, got %d", calls.Load())
		}
		if result.ErrorType != "context_length" {
			t.Errorf("ErrorType = %q, want context_length", result.ErrorType)
		}
	})

	t.Run("context length message on 400", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":{"message":"This model's maximum context length is 4096 tokens"}}`, http.StatusBadRequest)
		}))
		defer server.Close()

		client := NewOpenRouterClient(OpenRouterConfig{APIKey: "k", BaseURL: server.URL, RetryDelay: time.Millisecond})
		_, err := client.Chat(context.Background(), NewChatRequest("", "Hello", 64, 0))
		if !errors.Is(err, ErrContextLength) {
			t.Fatalf("expected ErrContextLength, got %v", err)
		}
		var statusErr *StatusError
		if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadRequest {
			t.Errorf("expected StatusError with 400, got %v", err)
		}
	})

	t.Run("server error is retried", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				http.Error(w, "upstream", http.StatusBadGateway)
				return
			}
			writeChatResponse(w, "ok")
		}))
		defer server.Close()

		client := NewOpenRouterClient(OpenRouterConfig{APIKey: "k", BaseURL: server.URL, RetryDelay: time.Millisecond})
		result, err := client.Chat(context.Background(), NewChatRequest("", "Hello", 64, 0))
		if err != nil {
			t.Fatalf("Chat() error = %v", err)
		}
		if result.Attempts != 2 {
			t.Errorf("Attempts = %d, want 2", result.Attempts)
		}
		if result.Content != "ok" {
			t.Errorf("Content = %q, want ok", result.Content)
		}
	})

	t.Run("client error is not retried", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "bad key", http.StatusUnauthorized)
		}))
		defer server.Close()

		client := NewOpenRouterClient(OpenRouterConfig{APIKey: "k", BaseURL: server.URL, RetryDelay: time.Millisecond})
		_, err := client.Chat(context.Background(), NewChatRequest("", "Hello", 64, 0))
		if err == nil {
			t.Fatal("expected error")
		}
		if errors.Is(err, ErrContextLength) {
			t.Errorf("did not expect ErrContextLength: %v", err)
		}
		if calls.Load() != 1 {
			t.Errorf("expected 1 request, got %d", calls.Load())
		}
	})

	t.Run("request timeout", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer server.Close()

		client := NewOpenRouterClient(OpenRouterConfig{APIKey: "k", BaseURL: server.URL, RetryDelay: time.Millisecond})
		req := NewChatRequest("", "Hello", 64, 0)
		req.Timeout = 50 * time.Millisecond
		_, err := client.Chat(context.Background(), req)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	})
}

func TestIsContextLengthMessage(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"This model's maximum context length is 8192 tokens", true},
		{"prompt is too long: 9000 tokens", true},
		{"context_length_exceeded", true},
		{"invalid api key", false},
	}
	for _, tt := range tests {
		if got := IsContextLengthMessage(tt.msg); got != tt.want {
			t.Errorf("IsContextLengthMessage(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}
