package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "page.jpg")
	if err := os.WriteFile(path, []byte("jpeg-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func completionResponse(content string) string {
	resp := Response{
		ID: "gen-1",
		Choices: []Choice{{
			Message:      ChoiceMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func TestNewClientDefaults(t *testing.T) {
	c := NewClient(Config{APIKey: "sk-or-test"})

	if c.cfg.BaseURL != defaultBaseURL {
		t.Errorf("expected default base URL, got %s", c.cfg.BaseURL)
	}
	if c.cfg.Model != defaultModel {
		t.Errorf("expected default model, got %s", c.cfg.Model)
	}
	if c.cfg.MaxTokens != defaultMaxTokens {
		t.Errorf("expected default max tokens, got %d", c.cfg.MaxTokens)
	}
	if c.httpClient.Timeout != defaultTimeout {
		t.Errorf("expected default timeout, got %v", c.httpClient.Timeout)
	}
}

func TestBuildPrompt(t *testing.T) {
	base := BuildPrompt(nil)
	if !strings.Contains(base, "language school information") {
		t.Error("prompt missing extraction instruction")
	}
	if !strings.Contains(base, "repeat flag") {
		t.Error("prompt missing continuation flag instruction")
	}
	if strings.Contains(base, "Previous response was") {
		t.Error("base prompt must not carry continuation preamble")
	}

	prior := []json.RawMessage{
		json.RawMessage(`{"name":"S","locations":[]}`),
	}
	cont := BuildPrompt(prior)
	if !strings.Contains(cont, "Please provide the remaining courses") {
		t.Error("continuation prompt missing instruction")
	}
	if !strings.Contains(cont, `"name": "S"`) {
		t.Errorf("continuation prompt missing prior output, got:\n%s", cont)
	}
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare json", `{"name":"S"}`, `{"name":"S"}`},
		{"json fence", "```json\n{\"name\":\"S\"}\n```", `{"name":"S"}`},
		{"plain fence", "```\n{\"name\":\"S\"}\n```", `{"name":"S"}`},
		{"surrounding whitespace", "  \n```json\n{}\n```\n  ", "{}"},
		{"no trailing fence", "```json\n{}", "{}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripCodeFence(tt.in); got != tt.want {
				t.Errorf("stripCodeFence(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestExtractSuccess(t *testing.T) {
	var gotReq Request
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionResponse(`{"name":"CES","locations":[],"repeat":true}`)))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "sk-or-test", Model: "openai/gpt-4o-2024-11-20"})

	school, raw, err := c.Extract(context.Background(), testImage(t), nil)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if school.Name != "CES" {
		t.Errorf("expected school name CES, got %s", school.Name)
	}
	if !school.Repeat {
		t.Error("repeat flag lost in parsing")
	}
	if !strings.Contains(string(raw), `"name":"CES"`) {
		t.Errorf("raw output not preserved: %s", raw)
	}

	// Request shape
	if gotAuth != "Bearer sk-or-test" {
		t.Errorf("missing bearer auth, got %q", gotAuth)
	}
	if gotReq.Model != "openai/gpt-4o-2024-11-20" {
		t.Errorf("wrong model: %s", gotReq.Model)
	}
	if gotReq.Stream {
		t.Error("stream must be disabled")
	}
	if gotReq.ResponseFormat == nil || gotReq.ResponseFormat.Type != "json_object" {
		t.Error("response_format json_object not set")
	}
	if len(gotReq.Messages) != 1 || len(gotReq.Messages[0].Content) != 2 {
		t.Fatal("expected one message with text and image parts")
	}
	img := gotReq.Messages[0].Content[1].ImageURL
	if img == nil || !strings.HasPrefix(img.URL, "data:image/jpeg;base64,") {
		t.Error("image not sent as base64 data URL")
	}
}

func TestExtractSendsPriorOutputs(t *testing.T) {
	var promptText string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		json.NewDecoder(r.Body).Decode(&req)
		promptText = req.Messages[0].Content[0].Text
		w.Write([]byte(completionResponse(`{"name":"S","locations":[]}`)))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k"})

	prior := []json.RawMessage{json.RawMessage(`{"name":"S","repeat":true}`)}
	if _, _, err := c.Extract(context.Background(), testImage(t), prior); err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	if !strings.Contains(promptText, "Please provide the remaining courses") {
		t.Error("continuation instruction not sent")
	}
	if !strings.Contains(promptText, `"repeat": true`) {
		t.Errorf("prior output not sent, prompt was:\n%s", promptText)
	}
}

func TestExtractStatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusGatewayTimeout, true},
		{http.StatusUnauthorized, false},
		{http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			w.Write([]byte(`{"error":"nope"}`))
		}))

		c := NewClient(Config{BaseURL: srv.URL, APIKey: "k"})
		_, _, err := c.Extract(context.Background(), testImage(t), nil)
		srv.Close()

		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		if IsTransient(err) != tt.transient {
			t.Errorf("status %d: IsTransient = %v, want %v", tt.status, IsTransient(err), tt.transient)
		}
		if IsMalformed(err) {
			t.Errorf("status %d: must not classify as malformed", tt.status)
		}
	}
}

func TestExtractMalformedOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(completionResponse("here is your data: not json")))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k"})

	_, _, err := c.Extract(context.Background(), testImage(t), nil)
	if !IsMalformed(err) {
		t.Fatalf("expected malformed classification, got %v", err)
	}
	if IsTransient(err) {
		t.Error("malformed output must not classify as transient")
	}
}

func TestExtractEmptyCompletionIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"gen-1","choices":[]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k"})

	_, _, err := c.Extract(context.Background(), testImage(t), nil)
	if !IsMalformed(err) {
		t.Fatalf("expected malformed classification, got %v", err)
	}
}

func TestExtractFencedOutputParses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(completionResponse("```json\n{\"name\":\"Fenced\",\"locations\":[]}\n```")))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k"})

	school, _, err := c.Extract(context.Background(), testImage(t), nil)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if school.Name != "Fenced" {
		t.Errorf("expected name Fenced, got %s", school.Name)
	}
}

func TestExtractNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k"})

	_, _, err := c.Extract(context.Background(), testImage(t), nil)
	if !IsTransient(err) {
		t.Fatalf("expected transient classification, got %v", err)
	}
}

func TestBackoff(t *testing.T) {
	cfg := BackoffConfig{Initial: time.Second, Max: 30 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{10, 30 * time.Second}, // capped
	}

	for _, tt := range tests {
		if got := cfg.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	// Zero config falls back to defaults.
	var zero BackoffConfig
	if got := zero.Backoff(0); got != defaultInitialBackoff {
		t.Errorf("zero config Backoff(0) = %v, want %v", got, defaultInitialBackoff)
	}
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := Sleep(ctx, time.Minute); err == nil {
		t.Fatal("expected context error")
	}

	start := time.Now()
	if err := Sleep(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("Sleep failed: %v", err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("Sleep returned early")
	}
}
