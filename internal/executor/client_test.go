package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

// fakeAdapter simulates the executor test adapter: each GET returns the
// current message list; Grow appends messages between polls.
type fakeAdapter struct {
	mu       sync.Mutex
	messages []Message
	posts    []messageRequest
	polls    int
	// growAt maps poll number -> messages to append before responding
	growAt map[int][]string
}

func (f *fakeAdapter) Grow(texts ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, text := range texts {
		f.messages = append(f.messages, Message{
			Message:   text,
			Timestamp: time.Now(),
			Direction: "sent",
		})
	}
}

func (f *fakeAdapter) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /test/message", func(w http.ResponseWriter, r *http.Request) {
		var req messageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.posts = append(f.posts, req)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /test/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.polls++
		if texts, ok := f.growAt[f.polls]; ok {
			for _, text := range texts {
				f.messages = append(f.messages, Message{Message: text, Timestamp: time.Now(), Direction: "sent"})
			}
		}
		resp := messagesResponse{
			ConversationID: r.PathValue("id"),
			Messages:       append([]Message(nil), f.messages...),
		}
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("DELETE /test/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.messages = nil
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func newTestClient(baseURL string, timeout, pollInterval time.Duration, stability int) *Client {
	return &Client{
		baseURL:            baseURL,
		conversationPrefix: "pm-project-",
		timeout:            timeout,
		pollInterval:       pollInterval,
		stabilityThreshold: stability,
		httpClient:         &http.Client{Timeout: time.Second},
		limiter:            rate.NewLimiter(rate.Inf, 1),
	}
}

func TestOpen_SendsCommandInvocation(t *testing.T) {
	adapter := &fakeAdapter{}
	srv := httptest.NewServer(adapter.handler())
	defer srv.Close()

	client := newTestClient(srv.URL, time.Second, 10*time.Millisecond, 2)

	conversationID, err := client.Open(context.Background(), "p1", "plan-feature-github", []string{"My Feature"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if conversationID != "pm-project-p1" {
		t.Errorf("conversation id = %q, want pm-project-p1", conversationID)
	}

	if len(adapter.posts) != 1 {
		t.Fatalf("posts = %d, want 1", len(adapter.posts))
	}
	want := `/command-invoke plan-feature-github "My Feature"`
	if adapter.posts[0].Message != want {
		t.Errorf("message = %q, want %q", adapter.posts[0].Message, want)
	}
}

func TestStreamIncremental_YieldsNewSuffixExactlyOnce(t *testing.T) {
	adapter := &fakeAdapter{
		growAt: map[int][]string{
			1: {"msg-0", "msg-1"},
			3: {"msg-2"},
			4: {"msg-3", "msg-4"},
		},
	}
	srv := httptest.NewServer(adapter.handler())
	defer srv.Close()

	client := newTestClient(srv.URL, 5*time.Second, 5*time.Millisecond, 2)

	var yielded []string
	final, err := client.StreamIncremental(context.Background(), "pm-project-p1", func(batch []Message) error {
		for _, m := range batch {
			yielded = append(yielded, m.Message)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("StreamIncremental() error = %v", err)
	}

	want := []string{"msg-0", "msg-1", "msg-2", "msg-3", "msg-4"}
	if len(yielded) != len(want) {
		t.Fatalf("yielded %d messages, want %d: %v", len(yielded), len(want), yielded)
	}
	for i, text := range want {
		if yielded[i] != text {
			t.Errorf("yielded[%d] = %q, want %q", i, yielded[i], text)
		}
	}
	if len(final) != 5 {
		t.Errorf("final message count = %d, want 5", len(final))
	}
}

func TestStreamIncremental_StabilityEndsStream(t *testing.T) {
	adapter := &fakeAdapter{growAt: map[int][]string{1: {"only"}}}
	srv := httptest.NewServer(adapter.handler())
	defer srv.Close()

	client := newTestClient(srv.URL, 5*time.Second, 5*time.Millisecond, 3)

	if _, err := client.StreamIncremental(context.Background(), "pm-project-p1", nil); err != nil {
		t.Fatalf("StreamIncremental() error = %v", err)
	}

	// 1 growth poll + 3 stable polls
	if adapter.polls != 4 {
		t.Errorf("polls = %d, want 4", adapter.polls)
	}
}

func TestStreamIncremental_TimeoutIndependentOfStability(t *testing.T) {
	// Stability is never reached within the budget (poll interval larger
	// than the whole budget), so the wall clock must fail the stream.
	adapter := &fakeAdapter{growAt: map[int][]string{1: {"burst"}}}
	srv := httptest.NewServer(adapter.handler())
	defer srv.Close()

	client := newTestClient(srv.URL, 50*time.Millisecond, 40*time.Millisecond, 2)

	partial, err := client.StreamIncremental(context.Background(), "pm-project-p1", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("StreamIncremental() error = %v, want ErrTimeout", err)
	}
	// Partial output retained for late subscribers
	if len(partial) != 1 {
		t.Errorf("partial message count = %d, want 1", len(partial))
	}
}

func TestStreamIncremental_UnavailableFailsImmediately(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // connection refused from here on

	client := newTestClient(srv.URL, time.Second, 5*time.Millisecond, 2)

	start := time.Now()
	_, err := client.StreamIncremental(context.Background(), "pm-project-p1", nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("StreamIncremental() error = %v, want ErrUnavailable", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("failed after %v, want immediate failure with no retry", elapsed)
	}
}

func TestStreamIncremental_ContextCancellation(t *testing.T) {
	adapter := &fakeAdapter{}
	srv := httptest.NewServer(adapter.handler())
	defer srv.Close()

	client := newTestClient(srv.URL, time.Minute, 10*time.Millisecond, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := client.StreamIncremental(ctx, "pm-project-p1", nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("StreamIncremental() error = %v, want context.Canceled", err)
	}
}

func TestMessages_FiltersDirection(t *testing.T) {
	adapter := &fakeAdapter{}
	adapter.messages = []Message{
		{Message: "from executor", Direction: "sent"},
		{Message: "from us", Direction: "received"},
		{Message: "more output", Direction: "sent"},
	}
	srv := httptest.NewServer(adapter.handler())
	defer srv.Close()

	client := newTestClient(srv.URL, time.Second, 5*time.Millisecond, 2)

	messages, err := client.Messages(context.Background(), "pm-project-p1")
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("messages = %d, want 2 (received filtered out)", len(messages))
	}
	for _, m := range messages {
		if m.Direction != "sent" {
			t.Errorf("unexpected direction %q", m.Direction)
		}
	}
}

func TestRepoNameFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://github.com/owner/repo", "repo"},
		{"https://github.com/owner/repo.git", "repo"},
		{"https://github.com/owner/repo/", "repo"},
		{"repo", "repo"},
	}

	for _, tt := range tests {
		if got := repoNameFromURL(tt.url); got != tt.want {
			t.Errorf("repoNameFromURL(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}
