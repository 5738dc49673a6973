package provider

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStubProvider_Complete(t *testing.T) {
	p := NewStubProvider("first", "second")
	ctx := context.Background()

	got, err := p.Complete(ctx, []Message{{Role: "user", Content: "hello"}})
	if err != nil || got != "first" {
		t.Fatalf("expected 'first', got %q (%v)", got, err)
	}

	got, _ = p.Complete(ctx, nil)
	if got != "second" {
		t.Errorf("expected 'second', got %q", got)
	}

	got, _ = p.Complete(ctx, nil)
	if got != "<skip><reason>stub exhausted</reason></skip>" {
		t.Errorf("exhausted stub must decline, got %q", got)
	}

	if len(p.Calls) != 3 {
		t.Errorf("expected 3 recorded calls, got %d", len(p.Calls))
	}
	if p.Calls[0][0].Content != "hello" {
		t.Errorf("recorded call mismatch: %+v", p.Calls[0])
	}
}

func TestStubProvider_EmbedDeterministic(t *testing.T) {
	p := NewStubProvider()
	ctx := context.Background()

	a1, err := p.Embed(ctx, "token bucket")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	a2, _ := p.Embed(ctx, "token bucket")
	b, _ := p.Embed(ctx, "vector index")

	if len(a1) != 384 {
		t.Fatalf("expected 384 dimensions, got %d", len(a1))
	}
	for i := range a1 {
		if a1[i] != a2[i] {
			t.Fatal("same text must embed identically")
		}
	}

	same := true
	for i := range a1 {
		if a1[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different text must embed differently")
	}

	var norm float64
	for _, v := range a1 {
		norm += float64(v) * float64(v)
	}
	if math.Abs(math.Sqrt(norm)-1) > 1e-3 {
		t.Errorf("expected unit vector, got norm %f", math.Sqrt(norm))
	}
}

func TestNewOpenAIProvider_RequiresKey(t *testing.T) {
	if _, err := NewOpenAIProvider("", "", "", ""); err == nil {
		t.Error("expected error for missing API key")
	}
}

func TestNewAnthropicProvider_RequiresKey(t *testing.T) {
	if _, err := NewAnthropicProvider("", ""); err == nil {
		t.Error("expected error for missing API key")
	}
}

func TestAnthropicProvider_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		var req anthropicRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("unexpected request messages: %+v", req.Messages)
		}

		json.NewEncoder(w).Encode(anthropicResponse{
			ID: "msg_1",
			Content: []anthropicContentBlock{
				{Type: "text", Text: "<skip><reason>nothing new</reason></skip>"},
			},
		})
	}))
	defer server.Close()

	p, err := NewAnthropicProvider("test-key", "")
	if err != nil {
		t.Fatalf("NewAnthropicProvider failed: %v", err)
	}
	p.SetBaseURL(server.URL)

	got, err := p.Complete(context.Background(), []Message{{Role: "system", Content: "hi"}})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got != "<skip><reason>nothing new</reason></skip>" {
		t.Errorf("unexpected reply: %q", got)
	}
}

func TestAnthropicProvider_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(anthropicResponse{
			Error: &anthropicError{Type: "authentication_error", Message: "bad key"},
		})
	}))
	defer server.Close()

	p, _ := NewAnthropicProvider("bad-key", "")
	p.SetBaseURL(server.URL)

	if _, err := p.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}); err == nil {
		t.Error("expected error from API error response")
	}
}
