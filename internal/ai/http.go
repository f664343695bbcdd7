package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type HTTPResponder struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Client  *http.Client
}

type responseBody struct {
	Response         string            `json:"response"`
	ConversationID   string            `json:"conversation_id"`
	Confidence       float64           `json:"confidence"`
	ProcessingTime   float64           `json:"processing_time"`
	TokensUsed       int               `json:"tokens_used"`
	KnowledgeSources []KnowledgeSource `json:"knowledge_sources"`
}

func (h HTTPResponder) Respond(ctx context.Context, r Request) (Reply, error) {
	if strings.TrimSpace(h.BaseURL) == "" {
		return Reply{}, &TransportError{Err: errors.New("AI_URL is not set")}
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := h.Client
	if client == nil {
		client = &http.Client{}
	}

	b, _ := json.Marshal(r)
	start := time.Now()
	url := strings.TrimRight(h.BaseURL, "/") + "/ai-chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return Reply{}, &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(h.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+h.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Reply{}, &TransportError{Err: fmt.Errorf("request timed out after %s", timeout)}
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return Reply{}, &TransportError{Err: fmt.Errorf("request timed out after %s", timeout)}
		}
		return Reply{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		te := &TransportError{StatusCode: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(body)))}
		if resp.StatusCode == http.StatusTooManyRequests {
			te.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		}
		return Reply{}, te
	}

	var rb responseBody
	if err := json.NewDecoder(resp.Body).Decode(&rb); err != nil {
		return Reply{}, &TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}

	reply := Reply{
		Text:             rb.Response,
		ConversationID:   rb.ConversationID,
		Confidence:       clampConfidence(rb.Confidence),
		ProcessingTime:   rb.ProcessingTime,
		TokensUsed:       rb.TokensUsed,
		KnowledgeSources: rb.KnowledgeSources,
	}
	if reply.ConversationID == "" {
		reply.ConversationID = r.ConversationID
	}
	if reply.ProcessingTime <= 0 {
		reply.ProcessingTime = time.Since(start).Seconds()
	}
	return reply, nil
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
