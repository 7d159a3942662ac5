package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/openconvo/convo-backend/internal/pkg/envutil"
	"github.com/openconvo/convo-backend/internal/pkg/httpx"
	"github.com/openconvo/convo-backend/internal/pkg/logger"
)

// KeyFunc resolves the API key at call time so sealed credentials stay
// encrypted until an outbound request actually needs them.
type KeyFunc func(ctx context.Context) (string, error)

type OpenAIAdapter struct {
	log        *logger.Logger
	baseURL    string
	keyFn      KeyFunc
	httpClient *http.Client
	maxRetries int
}

func NewOpenAIAdapter(log *logger.Logger, keyFn KeyFunc) (*OpenAIAdapter, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	baseURL := strings.TrimSpace(os.Getenv("OPENAI_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	if keyFn == nil {
		envKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
		if envKey == "" {
			return nil, fmt.Errorf("missing OPENAI_API_KEY and no key source configured")
		}
		keyFn = func(context.Context) (string, error) { return envKey, nil }
	}

	timeoutSec := envutil.GetEnvAsInt("OPENAI_TIMEOUT_SECONDS", 180, log)
	maxRetries := envutil.GetEnvAsInt("OPENAI_MAX_RETRIES", 3, log)

	return &OpenAIAdapter{
		log:        log.With("service", "OpenAIAdapter"),
		baseURL:    baseURL,
		keyFn:      keyFn,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		maxRetries: maxRetries,
	}, nil
}

func (a *OpenAIAdapter) Name() string { return "openai" }

type responsesRequest struct {
	Model string `json:"model"`

	Instructions string `json:"instructions,omitempty"`

	Input []Turn `json:"input"`

	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`

	Stream bool `json:"stream,omitempty"`
}

type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Role    string `json:"role,omitempty"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content,omitempty"`
	} `json:"output"`
	Refusal string `json:"refusal,omitempty"`
}

func buildResponsesRequest(req Request, stream bool) responsesRequest {
	out := responsesRequest{
		Model:        strings.TrimSpace(req.Model),
		Instructions: strings.TrimSpace(req.SystemPrompt),
		Input:        req.Turns,
		Temperature:  req.Temperature,
		Stream:       stream,
	}
	if req.MaxTokens > 0 {
		out.MaxOutputTokens = req.MaxTokens
	}
	return out
}

func extractOutputText(resp responsesResponse) string {
	var out strings.Builder
	for _, item := range resp.Output {
		if item.Type == "message" && item.Role == "assistant" {
			for _, c := range item.Content {
				if c.Type == "output_text" && c.Text != "" {
					out.WriteString(c.Text)
				}
			}
		}
	}
	return out.String()
}

func isUnsupportedTemperature(body string) bool {
	msg := strings.ToLower(body)
	if !strings.Contains(msg, "temperature") {
		return false
	}
	return strings.Contains(msg, "unsupported parameter") ||
		strings.Contains(msg, "unknown parameter") ||
		strings.Contains(msg, "does not support") ||
		strings.Contains(msg, "only the default")
}

func (a *OpenAIAdapter) doOnce(ctx context.Context, body responsesRequest, accept string) (*http.Response, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/v1/responses", &buf)
	if err != nil {
		return nil, err
	}
	apiKey, err := a.keyFn(ctx)
	if err != nil {
		return nil, &Error{Class: ErrorClassAuth, Message: fmt.Sprintf("resolve api key: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	retryAfter := httpx.RetryAfterDuration(resp, 0, 30*time.Second)
	return nil, classifyStatus(resp.StatusCode, string(raw), retryAfter)
}

func (a *OpenAIAdapter) SendMessage(ctx context.Context, req Request) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	body := buildResponsesRequest(req, false)

	backoff := 1 * time.Second
	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return "", classifyTransport(ctx.Err())
		}

		resp, err := a.doOnce(ctx, body, "")
		if err == nil {
			raw, readErr := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if readErr != nil {
				return "", classifyTransport(readErr)
			}
			var parsed responsesResponse
			if uErr := json.Unmarshal(raw, &parsed); uErr != nil {
				return "", &Error{Class: ErrorClassProvider, Message: fmt.Sprintf("decode response: %v", uErr)}
			}
			if parsed.Refusal != "" {
				return "", &Error{Class: ErrorClassProvider, Message: "model refused: " + parsed.Refusal}
			}
			text := extractOutputText(parsed)
			if strings.TrimSpace(text) == "" {
				return "", &Error{Class: ErrorClassProvider, Message: "no output_text in response"}
			}
			return text, nil
		}

		if body.Temperature != nil {
			if pe, ok := AsError(err); ok && pe.Status == 400 && isUnsupportedTemperature(pe.Message) {
				body.Temperature = nil
				continue
			}
		}
		if !IsRetryable(err) || attempt == a.maxRetries {
			return "", err
		}
		lastErr = err

		sleepFor := backoff
		if pe, ok := AsError(err); ok && pe.RetryAfter > 0 {
			sleepFor = pe.RetryAfter
		}
		sleepFor = httpx.JitterSleep(sleepFor)
		a.log.Warn("OpenAI request retrying",
			"attempt", attempt+1,
			"max_retries", a.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		select {
		case <-ctx.Done():
			return "", classifyTransport(ctx.Err())
		case <-time.After(sleepFor):
		}
		backoff *= 2
	}
	if lastErr == nil {
		lastErr = &Error{Class: ErrorClassProvider, Message: "request failed"}
	}
	return "", lastErr
}

// StreamMessage opens a streaming response. Connection failures are
// retried here; once the stream is returned, failures surface through
// Recv and are never retried by the adapter.
func (a *OpenAIAdapter) StreamMessage(ctx context.Context, req Request) (Stream, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	body := buildResponsesRequest(req, true)

	backoff := 1 * time.Second
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil, classifyTransport(ctx.Err())
		}
		resp, err := a.doOnce(ctx, body, "text/event-stream")
		if err == nil {
			return newSSETokenStream(resp.Body), nil
		}
		if body.Temperature != nil {
			if pe, ok := AsError(err); ok && pe.Status == 400 && isUnsupportedTemperature(pe.Message) {
				body.Temperature = nil
				continue
			}
		}
		if !IsRetryable(err) || attempt >= a.maxRetries {
			return nil, err
		}
		sleepFor := backoff
		if pe, ok := AsError(err); ok && pe.RetryAfter > 0 {
			sleepFor = pe.RetryAfter
		}
		sleepFor = httpx.JitterSleep(sleepFor)
		a.log.Warn("OpenAI stream connect retrying",
			"attempt", attempt+1,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		select {
		case <-ctx.Done():
			return nil, classifyTransport(ctx.Err())
		case <-time.After(sleepFor):
		}
		backoff *= 2
	}
}

type streamItem struct {
	token string
	err   error
}

type sseTokenStream struct {
	body  io.ReadCloser
	items chan streamItem
	once  sync.Once
}

func newSSETokenStream(body io.ReadCloser) *sseTokenStream {
	s := &sseTokenStream{
		body:  body,
		items: make(chan streamItem, 32),
	}
	go s.pump()
	return s
}

func (s *sseTokenStream) pump() {
	defer close(s.items)
	err := parseSSE(s.body, func(event string, data string) error {
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			return nil
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(data), &obj); err != nil {
			return nil
		}
		evt := strings.TrimSpace(event)
		if t, ok := obj["type"].(string); ok && strings.TrimSpace(t) != "" {
			evt = strings.TrimSpace(t)
		}
		if r, ok := obj["refusal"].(string); ok && strings.TrimSpace(r) != "" {
			return &Error{Class: ErrorClassProvider, Message: "model refused: " + r}
		}
		if eAny, ok := obj["error"]; ok && eAny != nil {
			b, _ := json.Marshal(eAny)
			return &Error{Class: ErrorClassProvider, Message: "stream error: " + string(b)}
		}
		if d, ok := obj["delta"].(string); ok {
			if d != "" && strings.Contains(evt, "output_text.delta") {
				s.items <- streamItem{token: d}
			}
		}
		return nil
	})
	if err != nil {
		if _, ok := AsError(err); !ok {
			err = classifyTransport(err)
		}
		s.items <- streamItem{err: err}
	}
}

func (s *sseTokenStream) Recv() (string, error) {
	it, ok := <-s.items
	if !ok {
		return "", io.EOF
	}
	if it.err != nil {
		return "", it.err
	}
	return it.token, nil
}

func (s *sseTokenStream) Close() error {
	s.once.Do(func() {
		_ = s.body.Close()
		// Drain so pump can exit.
		go func() {
			for range s.items {
			}
		}()
	})
	return nil
}
