package estimate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestFallback(t *testing.T) {
	tests := []struct {
		msg           string
		in, out, cost int
	}{
		{"", 0, 0, 0},
		{"abc", 1, 2, 1},
		{strings.Repeat("x", 400), 100, 200, 14},
		{strings.Repeat("x", 401), 101, 202, 14},
	}
	for _, tt := range tests {
		got := Fallback(tt.msg)
		if got.InputTokens != tt.in || got.OutputTokens != tt.out || got.InternalTokens != tt.cost {
			t.Errorf("Fallback(len %d) = %d/%d/%d, want %d/%d/%d",
				len(tt.msg), got.InputTokens, got.OutputTokens, got.InternalTokens, tt.in, tt.out, tt.cost)
		}
		if !got.Fallback {
			t.Errorf("Fallback(len %d) not marked as fallback", len(tt.msg))
		}
	}
}

func serve(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "secret")
}

func completion(content string) map[string]any {
	return map[string]any{
		"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": content}}},
	}
}

func TestEstimateFromService(t *testing.T) {
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		var req completionRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != DefaultModel || req.MaxTokens != maxTokens || len(req.Messages) != 1 {
			t.Errorf("request = %+v", req)
		}
		if !strings.HasSuffix(req.Messages[0].Content, "User task: summarize my inbox") {
			t.Errorf("prompt does not end with the task: %q", req.Messages[0].Content)
		}
		json.NewEncoder(w).Encode(completion("Sure!\n" +
			`{"costExplanation":"cheap","plan":"read then summarize","estimatedInputTokens":120,"estimatedOutputTokens":300,"estimatedInternalTokens":20}`))
	})

	got := c.Estimate(context.Background(), "summarize my inbox")
	if got.Fallback {
		t.Fatal("unexpected fallback")
	}
	if got.CostExplanation != "cheap" || got.Plan != "read then summarize" {
		t.Errorf("text fields = %+v", got)
	}
	if got.InputTokens != 120 || got.OutputTokens != 300 || got.InternalTokens != 20 {
		t.Errorf("tokens = %+v", got)
	}
}

func TestEstimateFillsMissingFields(t *testing.T) {
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(completion(`{"plan":"just answer"}`))
	})
	msg := strings.Repeat("y", 10)
	got := c.Estimate(context.Background(), msg)
	if got.Fallback {
		t.Fatal("unexpected fallback")
	}
	if got.CostExplanation != defaultExplanation || got.Plan != "just answer" {
		t.Errorf("text fields = %+v", got)
	}
	if got.InputTokens != 3 || got.OutputTokens != 5 || got.InternalTokens != 1 {
		t.Errorf("tokens = %+v", got)
	}
}

func TestEstimateFallsBack(t *testing.T) {
	tests := []struct {
		name string
		h    http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`{"error":"upstream down"}`))
		}},
		{"not json", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html>"))
		}},
		{"unparseable estimate", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(completion("{not json}"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := serve(t, tt.h)
			got := c.Estimate(context.Background(), "hello world!")
			want := Fallback("hello world!")
			if got != want {
				t.Errorf("got %+v, want %+v", got, want)
			}
		})
	}
}

func TestEstimateWithoutURL(t *testing.T) {
	c := NewClient("", "")
	if got := c.Estimate(context.Background(), "hi"); !got.Fallback {
		t.Errorf("got %+v, want fallback", got)
	}
}

func TestCheckStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusUnauthorized)
	rec.WriteString(`{"error":"bad key"}`)
	err := checkStatus(rec.Result(), http.StatusOK)
	if err == nil || err.Error() != "HTTP 401: bad key" {
		t.Errorf("checkStatus = %v", err)
	}
}
