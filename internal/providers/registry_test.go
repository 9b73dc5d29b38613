package providers

import (
	"context"
	"sync"
	"testing"
)

func TestRegistry(t *testing.T) {
	t.Run("register and get LLM", func(t *testing.T) {
		r := NewRegistry()
		mock := NewMockClient()

		r.RegisterLLM("test-llm", mock)

		client, err := r.GetLLM("test-llm")
		if err != nil {
			t.Fatalf("GetLLM() error = %v", err)
		}
		if client != mock {
			t.Error("got different client than registered")
		}
	})

	t.Run("get nonexistent LLM", func(t *testing.T) {
		r := NewRegistry()
		if _, err := r.GetLLM("nonexistent"); err == nil {
			t.Error("expected error for nonexistent LLM")
		}
	})

	t.Run("list is sorted", func(t *testing.T) {
		r := NewRegistry()
		r.RegisterLLM("zeta", NewMockClient())
		r.RegisterLLM("alpha", NewMockClient())

		list := r.ListLLM()
		if len(list) != 2 || list[0] != "alpha" || list[1] != "zeta" {
			t.Errorf("ListLLM() = %v", list)
		}
	})

	t.Run("unregister", func(t *testing.T) {
		r := NewRegistry()
		r.RegisterLLM("gone", NewMockClient())
		r.UnregisterLLM("gone")
		if r.HasLLM("gone") {
			t.Error("expected client to be removed")
		}
	})

	t.Run("concurrent access", func(t *testing.T) {
		r := NewRegistry()
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				r.RegisterLLM("shared", NewMockClient())
			}()
			go func() {
				defer wg.Done()
				r.HasLLM("shared")
				r.ListLLM()
			}()
		}
		wg.Wait()
		if !r.HasLLM("shared") {
			t.Error("expected shared client")
		}
	})
}

func TestNewRegistryFromConfig(t *testing.T) {
	t.Run("creates enabled providers with credentials", func(t *testing.T) {
		r := NewRegistryFromConfig(RegistryConfig{
			LLMProviders: map[string]LLMProviderConfig{
				"openrouter": {Type: "openrouter", APIKey: "key", Model: "m", Enabled: true},
				"local":      {Type: "openai", BaseURL: "http://localhost:8080/v1", Enabled: true},
				"nokey":      {Type: "openrouter", Enabled: true},
				"disabled":   {Type: "openrouter", APIKey: "key", Enabled: false},
				"mock":       {Type: "mock", Enabled: true},
				"unknown":    {Type: "carrier-pigeon", APIKey: "key", Enabled: true},
			},
		})

		for _, name := range []string{"openrouter", "local", "mock"} {
			if !r.HasLLM(name) {
				t.Errorf("expected %s to be registered", name)
			}
		}
		for _, name := range []string{"nokey", "disabled", "unknown"} {
			if r.HasLLM(name) {
				t.Errorf("expected %s to be skipped", name)
			}
		}

		client, _ := r.GetLLM("local")
		if _, ok := client.(*OpenAIClient); !ok {
			t.Errorf("expected *OpenAIClient, got %T", client)
		}
	})
}

func TestRegistryReload(t *testing.T) {
	cfg := RegistryConfig{
		LLMProviders: map[string]LLMProviderConfig{
			"openrouter": {Type: "openrouter", APIKey: "key", Model: "a", Enabled: true},
		},
	}
	r := NewRegistryFromConfig(cfg)
	manual := NewMockClient()
	r.RegisterLLM("manual", manual)

	before, _ := r.GetLLM("openrouter")

	t.Run("unchanged config keeps client", func(t *testing.T) {
		r.Reload(cfg)
		after, _ := r.GetLLM("openrouter")
		if after != before {
			t.Error("expected same client instance")
		}
	})

	t.Run("changed config replaces client", func(t *testing.T) {
		cfg.LLMProviders["openrouter"] = LLMProviderConfig{Type: "openrouter", APIKey: "key", Model: "b", Enabled: true}
		r.Reload(cfg)
		after, _ := r.GetLLM("openrouter")
		if after == before {
			t.Error("expected new client instance")
		}
	})

	t.Run("removed config unregisters but keeps manual clients", func(t *testing.T) {
		r.Reload(RegistryConfig{})
		if r.HasLLM("openrouter") {
			t.Error("expected openrouter to be removed")
		}
		if !r.HasLLM("manual") {
			t.Error("manually registered client should survive reload")
		}
	})
}

func TestRegistryLive(t *testing.T) {
	r := NewRegistry()
	first := NewMockClient()
	first.Latency = 0
	r.RegisterLLM("default", first)

	live := r.Live("default")
	if _, err := live.Chat(context.Background(), NewChatRequest("", "hi", 10, 0)); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	second := NewMockClient()
	second.Latency = 0
	r.RegisterLLM("default", second)
	if _, err := live.Chat(context.Background(), NewChatRequest("", "hi", 10, 0)); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if first.RequestCount() != 1 || second.RequestCount() != 1 {
		t.Errorf("request counts = %d/%d, want 1/1", first.RequestCount(), second.RequestCount())
	}
	if live.Name() != MockClientName {
		t.Errorf("Name() = %q, want %q", live.Name(), MockClientName)
	}

	r.UnregisterLLM("default")
	if _, err := live.Chat(context.Background(), NewChatRequest("", "hi", 10, 0)); err == nil {
		t.Error("expected an error after the client was removed")
	}
	if live.Name() != "default" {
		t.Errorf("Name() = %q, want default", live.Name())
	}
}
