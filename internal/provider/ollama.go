package provider

import (
	"bufio"
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
	"github.com/openconvo/convo-backend/internal/pkg/logger"
)

// OllamaAdapter talks to a local Ollama instance. Model load state is
// tracked per adapter instance; two instances pointed at different
// hosts keep independent state.
type OllamaAdapter struct {
	log        *logger.Logger
	baseURL    string
	httpClient *http.Client

	mu     sync.Mutex
	models map[string]*ModelState
}

func NewOllamaAdapter(log *logger.Logger) (*OllamaAdapter, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	baseURL := strings.TrimSpace(os.Getenv("OLLAMA_BASE_URL"))
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeoutSec := envutil.GetEnvAsInt("OLLAMA_TIMEOUT_SECONDS", 300, log)

	return &OllamaAdapter{
		log:        log.With("service", "OllamaAdapter"),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		models:     map[string]*ModelState{},
	}, nil
}

func (a *OllamaAdapter) Name() string { return "ollama" }

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

func buildOllamaRequest(req Request, stream bool) ollamaChatRequest {
	msgs := make([]ollamaChatMessage, 0, len(req.Turns)+1)
	if s := strings.TrimSpace(req.SystemPrompt); s != "" {
		msgs = append(msgs, ollamaChatMessage{Role: "system", Content: s})
	}
	for _, t := range req.Turns {
		msgs = append(msgs, ollamaChatMessage{Role: t.Role, Content: t.Content})
	}
	out := ollamaChatRequest{
		Model:    strings.TrimSpace(req.Model),
		Messages: msgs,
		Stream:   stream,
	}
	opts := map[string]any{}
	if req.Temperature != nil {
		opts["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	if len(opts) > 0 {
		out.Options = opts
	}
	return out
}

func (a *OllamaAdapter) post(ctx context.Context, path string, body any) (*http.Response, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return nil, classifyStatus(resp.StatusCode, string(raw), 0)
}

func (a *OllamaAdapter) SendMessage(ctx context.Context, req Request) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	resp, err := a.post(ctx, "/api/chat", buildOllamaRequest(req, false))
	if err != nil {
		return "", err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return "", classifyTransport(readErr)
	}
	var chunk ollamaChatChunk
	if uErr := json.Unmarshal(raw, &chunk); uErr != nil {
		return "", &Error{Class: ErrorClassProvider, Message: fmt.Sprintf("decode response: %v", uErr)}
	}
	if chunk.Error != "" {
		return "", &Error{Class: ErrorClassProvider, Message: chunk.Error}
	}
	return chunk.Message.Content, nil
}

func (a *OllamaAdapter) StreamMessage(ctx context.Context, req Request) (Stream, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	resp, err := a.post(ctx, "/api/chat", buildOllamaRequest(req, true))
	if err != nil {
		return nil, err
	}
	return newNDJSONTokenStream(resp.Body), nil
}

type ndjsonTokenStream struct {
	body  io.ReadCloser
	items chan streamItem
	once  sync.Once
}

func newNDJSONTokenStream(body io.ReadCloser) *ndjsonTokenStream {
	s := &ndjsonTokenStream{
		body:  body,
		items: make(chan streamItem, 32),
	}
	go s.pump()
	return s
}

func (s *ndjsonTokenStream) pump() {
	defer close(s.items)
	sc := bufio.NewScanner(s.body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			s.items <- streamItem{err: &Error{Class: ErrorClassProvider, Message: chunk.Error}}
			return
		}
		if chunk.Message.Content != "" {
			s.items <- streamItem{token: chunk.Message.Content}
		}
		if chunk.Done {
			return
		}
	}
	if err := sc.Err(); err != nil {
		s.items <- streamItem{err: classifyTransport(err)}
	}
}

func (s *ndjsonTokenStream) Recv() (string, error) {
	it, ok := <-s.items
	if !ok {
		return "", io.EOF
	}
	if it.err != nil {
		return "", it.err
	}
	return it.token, nil
}

func (s *ndjsonTokenStream) Close() error {
	s.once.Do(func() {
		_ = s.body.Close()
		go func() {
			for range s.items {
			}
		}()
	})
	return nil
}

// Status reports the model's load state on this instance.
func (a *OllamaAdapter) Status(ctx context.Context, model string) (ModelState, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return ModelState{}, fmt.Errorf("model required")
	}

	a.mu.Lock()
	if st, ok := a.models[model]; ok {
		out := *st
		a.mu.Unlock()
		return out, nil
	}
	a.mu.Unlock()

	// Not tracked yet; ask the instance what it has on disk.
	req, err := http.NewRequestWithContext(ctx, "GET", a.baseURL+"/api/tags", nil)
	if err != nil {
		return ModelState{}, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return ModelState{}, classifyTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return ModelState{}, classifyStatus(resp.StatusCode, string(raw), 0)
	}
	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return ModelState{}, &Error{Class: ErrorClassProvider, Message: fmt.Sprintf("decode tags: %v", err)}
	}
	state := ModelState{Status: ModelStatusNotLoaded}
	for _, m := range tags.Models {
		if m.Name == model || strings.TrimSuffix(m.Name, ":latest") == model {
			state = ModelState{Status: ModelStatusLoaded, Progress: 1}
			break
		}
	}
	a.mu.Lock()
	a.models[model] = &state
	out := state
	a.mu.Unlock()
	return out, nil
}

// Load pulls the model if needed. Calling Load on a loaded model is a
// no-op; calling it while a pull is in flight reports the current
// progress instead of starting a second pull.
func (a *OllamaAdapter) Load(ctx context.Context, model string) (ModelState, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return ModelState{}, fmt.Errorf("model required")
	}

	st, err := a.Status(ctx, model)
	if err != nil {
		return ModelState{}, err
	}
	switch st.Status {
	case ModelStatusLoaded, ModelStatusLoading:
		return st, nil
	}

	a.mu.Lock()
	cur := a.models[model]
	if cur != nil && (cur.Status == ModelStatusLoading || cur.Status == ModelStatusLoaded) {
		out := *cur
		a.mu.Unlock()
		return out, nil
	}
	a.models[model] = &ModelState{Status: ModelStatusLoading}
	a.mu.Unlock()

	go a.pull(model)

	return ModelState{Status: ModelStatusLoading}, nil
}

func (a *OllamaAdapter) pull(model string) {
	ctx := context.Background()
	resp, err := a.post(ctx, "/api/pull", map[string]any{"model": model, "stream": true})
	if err != nil {
		a.setModelState(model, ModelState{Status: ModelStatusError, Error: err.Error()})
		a.log.Error("Model pull failed", "model", model, "error", err.Error())
		return
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var p struct {
			Status    string `json:"status"`
			Total     int64  `json:"total"`
			Completed int64  `json:"completed"`
			Error     string `json:"error"`
		}
		if err := json.Unmarshal(line, &p); err != nil {
			continue
		}
		if p.Error != "" {
			a.setModelState(model, ModelState{Status: ModelStatusError, Error: p.Error})
			a.log.Error("Model pull failed", "model", model, "error", p.Error)
			return
		}
		if p.Total > 0 {
			a.setModelState(model, ModelState{
				Status:   ModelStatusLoading,
				Progress: float64(p.Completed) / float64(p.Total),
			})
		}
		if strings.EqualFold(strings.TrimSpace(p.Status), "success") {
			a.setModelState(model, ModelState{Status: ModelStatusLoaded, Progress: 1})
			a.log.Info("Model pull complete", "model", model)
			return
		}
	}
	if err := sc.Err(); err != nil {
		a.setModelState(model, ModelState{Status: ModelStatusError, Error: err.Error()})
		return
	}
	a.setModelState(model, ModelState{Status: ModelStatusLoaded, Progress: 1})
}

func (a *OllamaAdapter) setModelState(model string, st ModelState) {
	a.mu.Lock()
	a.models[model] = &st
	a.mu.Unlock()
}
