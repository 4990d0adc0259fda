package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/ent0n29/studio/internal/reliability"
	"github.com/ent0n29/studio/internal/tasks"
)

const defaultOllamaModel = "llava"

// Ollama runs prompts against a local Ollama server. It produces text
// only, which suits prompt optimization and image analysis.
type Ollama struct {
	client *api.Client
	model  string
	logger *slog.Logger
}

func NewOllama(baseURL, model string, timeout time.Duration, logger *slog.Logger) (*Ollama, error) {
	var client *api.Client
	if strings.TrimSpace(baseURL) == "" {
		c, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("%w: ollama client: %v", ErrInvalidConfig, err)
		}
		client = c
	} else {
		u, err := url.Parse(strings.TrimSpace(baseURL))
		if err != nil {
			return nil, fmt.Errorf("%w: ollama base url: %v", ErrInvalidConfig, err)
		}
		client = api.NewClient(u, &http.Client{Timeout: timeout})
	}
	if strings.TrimSpace(model) == "" {
		model = defaultOllamaModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ollama{client: client, model: model, logger: logger}, nil
}

func (o *Ollama) Synthesize(ctx context.Context, prompt string, params tasks.Parameters) (tasks.Result, error) {
	model := pickModel(params, o.model)
	var images []api.ImageData
	for _, ref := range params.ImageRefs {
		_, data, ok := parseDataURI(ref)
		if !ok {
			return tasks.Result{}, Fail("ollama accepts only data: image references", false, nil)
		}
		images = append(images, api.ImageData(data))
	}

	stream := false
	req := &api.GenerateRequest{
		Model:  model,
		Prompt: composePrompt(prompt, params),
		Images: images,
		Stream: &stream,
	}

	var text strings.Builder
	err := o.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		text.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return tasks.Result{}, classifyOllamaError(err)
	}
	out := strings.TrimSpace(text.String())
	if out == "" {
		return tasks.Result{}, Fail("empty response from model", true, nil)
	}
	o.logger.DebugContext(ctx, "ollama response", "model", model, "chars", len(out))
	return tasks.Result{Text: out, Model: model}, nil
}

func classifyOllamaError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		code := openAIStatusCode(statusErr.StatusCode)
		if code == "" {
			code = fmt.Sprintf("HTTP_%d", statusErr.StatusCode)
		}
		return Fail(code, reliability.IsRetryableHTTPStatus(statusErr.StatusCode), err)
	}
	return Fail("ollama request failed", true, err)
}
