package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/HyphaGroup/portcullis/internal/config"
	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/metrics"
)

var (
	// ErrUnavailable indicates the executor adapter could not be reached.
	// Callers must not retry; the execution is failed immediately.
	ErrUnavailable = errors.New("executor unavailable")

	// ErrTimeout indicates the wall-clock budget elapsed before the
	// conversation reached stability.
	ErrTimeout = errors.New("executor command timed out")
)

// Client talks to the executor's HTTP test adapter.
//
// Completion detection uses a stability heuristic: after stabilityThreshold
// consecutive polls with no message growth, the command is considered done.
// This misfires if the executor legitimately pauses between output bursts
// for longer than stabilityThreshold * pollInterval; both knobs are
// configuration for that reason. The wall-clock timeout is an independent
// condition checked on every poll regardless of the stable counter.
type Client struct {
	baseURL            string
	conversationPrefix string
	timeout            time.Duration
	pollInterval       time.Duration
	stabilityThreshold int
	httpClient         *http.Client

	// Shared across all conversations so concurrent executions
	// cannot hammer the adapter.
	limiter *rate.Limiter
}

// NewClient creates an executor client from configuration
func NewClient(cfg config.ExecutorConfig) *Client {
	return &Client{
		baseURL:            strings.TrimRight(cfg.BaseURL, "/"),
		conversationPrefix: cfg.ConversationPrefix,
		timeout:            cfg.Timeout(),
		pollInterval:       cfg.PollInterval(),
		stabilityThreshold: cfg.StabilityThreshold,
		httpClient:         &http.Client{Timeout: cfg.RequestTimeout()},
		limiter:            rate.NewLimiter(rate.Limit(cfg.PollRatePerSecond), cfg.PollBurst),
	}
}

// ConversationID builds the adapter conversation id for a project
func (c *Client) ConversationID(projectID string) string {
	return c.conversationPrefix + projectID
}

// SetupWorkspace switches the executor to the project's registered codebase
// before a command runs. repoURL is a repository URL; the repo name is the
// last path segment without any .git suffix.
func (c *Client) SetupWorkspace(ctx context.Context, conversationID, repoURL string) error {
	repoName := repoNameFromURL(repoURL)
	logger.InfoContext(ctx, "switching executor codebase", "conversation_id", conversationID, "repo", repoName)
	return c.post(ctx, conversationID, "/repo "+repoName)
}

// Open sends a command to the executor and returns the conversation id to
// poll for output. args with spaces are quoted to preserve them.
func (c *Client) Open(ctx context.Context, projectID, command string, args []string) (string, error) {
	conversationID := c.ConversationID(projectID)

	invocation := "/command-invoke " + command
	if len(args) > 0 {
		quoted := make([]string, len(args))
		for i, arg := range args {
			if strings.Contains(arg, " ") {
				quoted[i] = `"` + arg + `"`
			} else {
				quoted[i] = arg
			}
		}
		invocation += " " + strings.Join(quoted, " ")
	}

	logger.InfoContext(ctx, "sending executor command", "conversation_id", conversationID, "command", command)

	if err := c.post(ctx, conversationID, invocation); err != nil {
		return "", err
	}
	return conversationID, nil
}

// Messages retrieves the full accumulated message list for a conversation,
// filtered to messages sent by the executor.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/test/messages/"+url.PathEscape(conversationID), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: messages returned %d: %s", ErrUnavailable, resp.StatusCode, string(body))
	}

	var decoded messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode messages response: %w", err)
	}

	sent := make([]Message, 0, len(decoded.Messages))
	for _, msg := range decoded.Messages {
		if msg.Direction == "sent" {
			sent = append(sent, msg)
		}
	}
	return sent, nil
}

// Clear removes all messages from a conversation
func (c *Client) Clear(ctx context.Context, conversationID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/test/messages/"+url.PathEscape(conversationID), nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%w: clear returned %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// StreamIncremental polls a conversation until the command completes,
// invoking fn with exactly the newly appended message suffix each time the
// list grows. The returned slice is the complete final message list.
//
// Completion: stabilityThreshold consecutive polls with no growth.
// Failure: ErrTimeout once elapsed wall-clock time exceeds the budget
// (checked independently of the stable counter), or ErrUnavailable on the
// first connection failure. Partial progress already handed to fn remains
// valid in either case.
func (c *Client) StreamIncremental(ctx context.Context, conversationID string, fn func([]Message) error) ([]Message, error) {
	start := time.Now()
	seen := 0
	stable := 0
	var messages []Message

	logger.InfoContext(ctx, "polling executor for completion",
		"conversation_id", conversationID,
		"timeout", c.timeout,
		"poll_interval", c.pollInterval)

	for {
		if elapsed := time.Since(start); elapsed >= c.timeout {
			metrics.RecordPoll("timeout")
			return messages, fmt.Errorf("%w after %.1fs (budget %s, conversation %s)",
				ErrTimeout, elapsed.Seconds(), c.timeout, conversationID)
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return messages, err
		}

		current, err := c.Messages(ctx, conversationID)
		if err != nil {
			metrics.RecordPoll("error")
			return messages, err
		}
		metrics.RecordPoll("ok")
		messages = current

		if len(current) > seen {
			newMessages := current[seen:]
			seen = len(current)
			stable = 0
			if fn != nil {
				if err := fn(newMessages); err != nil {
					return messages, err
				}
			}
		} else {
			stable++
		}

		if stable >= c.stabilityThreshold {
			logger.InfoContext(ctx, "executor command completed",
				"conversation_id", conversationID,
				"message_count", len(messages),
				"duration", time.Since(start))
			return messages, nil
		}

		select {
		case <-ctx.Done():
			return messages, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// post sends a raw message to a conversation
func (c *Client) post(ctx context.Context, conversationID, message string) error {
	body, err := json.Marshal(messageRequest{ConversationID: conversationID, Message: message})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/test/message", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: message post returned %d: %s", ErrUnavailable, resp.StatusCode, string(respBody))
	}
	return nil
}

// repoNameFromURL extracts the repository name from a repo URL
// (https://github.com/owner/repo.git -> repo)
func repoNameFromURL(repoURL string) string {
	trimmed := strings.TrimRight(repoURL, "/")
	name := trimmed
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		name = trimmed[idx+1:]
	}
	return strings.TrimSuffix(name, ".git")
}
