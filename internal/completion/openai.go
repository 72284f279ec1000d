package completion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/streamchat/internal/domain"
)

const (
	// maxEventSize bounds a single SSE line from the upstream.
	maxEventSize = 1 << 20

	doneMarker = "[DONE]"
)

// APIError is a non-2xx response from the completion endpoint.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("completion API returned status %d", e.Status)
	}
	return fmt.Sprintf("completion API returned status %d: %s", e.Status, e.Message)
}

// OpenAIConfig holds the fixed parameters of the OpenAI adapter.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	HTTPClient  *http.Client
}

// OpenAI streams chat completions from an OpenAI-compatible endpoint.
type OpenAI struct {
	apiKey      string
	endpoint    string
	model       string
	temperature float64
	client      *http.Client
	logger      *slog.Logger
}

// NewOpenAI creates an adapter. Model and temperature stay fixed for the
// adapter's lifetime.
func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) *OpenAI {
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		// No overall timeout: streams last as long as the upstream keeps sending.
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
			},
		}
	}
	return &OpenAI{
		apiKey:      cfg.APIKey,
		endpoint:    strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions",
		model:       cfg.Model,
		temperature: cfg.Temperature,
		client:      client,
		logger:      logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// StreamCompletion sends the turns upstream and returns the open stream.
func (o *OpenAI) StreamCompletion(ctx context.Context, turns []domain.Turn) (Stream, error) {
	messages := make([]chatMessage, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, chatMessage{Role: string(t.Role), Content: t.Content})
	}
	body, err := json.Marshal(chatRequest{
		Model:       o.model,
		Messages:    messages,
		Temperature: o.temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %w", domain.ErrUpstream, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", domain.ErrUpstream, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	start := time.Now()
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: send request: %w", domain.ErrUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, fmt.Errorf("%w: %w", domain.ErrUpstream, readAPIError(resp))
	}

	o.logger.Debug("completion stream opened",
		"model", o.model,
		"turns", len(turns),
		"latency", time.Since(start),
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &sseStream{body: resp.Body, scanner: scanner}, nil
}

func readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	apiErr := &APIError{Status: resp.StatusCode}

	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Error.Message != "" {
		apiErr.Message = payload.Error.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}

// sseStream reads "data:" lines of a chat-completions event stream.
type sseStream struct {
	body     io.ReadCloser
	scanner  *bufio.Scanner
	done     bool
	finished bool
}

func (s *sseStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimRight(s.scanner.Text(), "\r")
		if !strings.HasPrefix(line, "data:") {
			// Blank separators, comments, event: and id: fields.
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == doneMarker {
			s.done = true
			return "", io.EOF
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return "", fmt.Errorf("%w: malformed stream event: %w", domain.ErrUpstream, err)
		}
		if chunk.Error != nil {
			return "", fmt.Errorf("%w: %s", domain.ErrUpstream, chunk.Error.Message)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if chunk.Choices[0].FinishReason != "" {
			s.finished = true
		}
		if chunk.Choices[0].Delta.Content == "" {
			continue
		}
		return chunk.Choices[0].Delta.Content, nil
	}

	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("%w: read stream: %w", domain.ErrUpstream, err)
	}
	if s.finished {
		s.done = true
		return "", io.EOF
	}
	// Body ended before any completion signal: the upstream hung up mid-reply.
	return "", fmt.Errorf("%w: %w", domain.ErrUpstream, io.ErrUnexpectedEOF)
}

func (s *sseStream) Close() error {
	s.done = true
	if err := s.body.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
