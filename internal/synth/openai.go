package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ent0n29/studio/internal/reliability"
	"github.com/ent0n29/studio/internal/tasks"
)

const (
	defaultOpenAIImageModel = "dall-e-3"
	defaultOpenAIChatModel  = "gpt-4o-mini"
	defaultOpenAISize       = "1024x1024"
)

// OpenAIImages generates images with the images API and analyzes them
// with a vision chat model. Edits are not offered by this backend.
type OpenAIImages struct {
	client     *openai.Client
	imageModel string
	chatModel  string
	logger     *slog.Logger
}

type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	ImageModel string
	ChatModel  string
	Timeout    time.Duration
}

func NewOpenAIImages(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIImages, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: openai api key is required", ErrInvalidConfig)
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		config.BaseURL = base
	}
	httpClient := &http.Client{}
	if cfg.Timeout > 0 {
		httpClient.Timeout = cfg.Timeout
	}
	config.HTTPClient = httpClient

	if cfg.ImageModel == "" {
		cfg.ImageModel = defaultOpenAIImageModel
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = defaultOpenAIChatModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIImages{
		client:     openai.NewClientWithConfig(config),
		imageModel: cfg.ImageModel,
		chatModel:  cfg.ChatModel,
		logger:     logger,
	}, nil
}

func (o *OpenAIImages) Synthesize(ctx context.Context, prompt string, params tasks.Parameters) (tasks.Result, error) {
	switch params.Kind {
	case tasks.KindAnalyze:
		return o.analyze(ctx, prompt, params)
	case tasks.KindEdit:
		return tasks.Result{}, Fail("edit is not supported by the openai provider", false, nil)
	default:
		return o.generate(ctx, prompt, params)
	}
}

func (o *OpenAIImages) generate(ctx context.Context, prompt string, params tasks.Parameters) (tasks.Result, error) {
	model := pickModel(params, o.imageModel)
	n := params.Count
	if n <= 0 {
		n = 1
	}
	size := strings.TrimSpace(params.Size)
	if size == "" {
		size = defaultOpenAISize
	}
	req := openai.ImageRequest{
		Prompt:         strings.TrimSpace(prompt),
		Model:          model,
		N:              n,
		Size:           size,
		Style:          strings.TrimSpace(params.Style),
		ResponseFormat: openai.CreateImageResponseFormatURL,
	}
	o.logger.DebugContext(ctx, "openai image request", "model", model, "n", n, "size", size)
	resp, err := o.client.CreateImage(ctx, req)
	if err != nil {
		return tasks.Result{}, classifyOpenAIError(err)
	}
	if len(resp.Data) == 0 {
		return tasks.Result{}, Fail("empty response from model", true, nil)
	}
	out := tasks.Result{Model: model}
	for _, d := range resp.Data {
		out.Images = append(out.Images, tasks.Image{
			URL:           d.URL,
			B64JSON:       d.B64JSON,
			MIMEType:      "image/png",
			RevisedPrompt: d.RevisedPrompt,
		})
	}
	return out, nil
}

func (o *OpenAIImages) analyze(ctx context.Context, prompt string, params tasks.Parameters) (tasks.Result, error) {
	model := pickModel(params, o.chatModel)
	parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: composePrompt(prompt, params)}}
	for _, ref := range params.ImageRefs {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: strings.TrimSpace(ref)},
		})
	}
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{{
			Role:         openai.ChatMessageRoleUser,
			MultiContent: parts,
		}},
	})
	if err != nil {
		return tasks.Result{}, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return tasks.Result{}, Fail("empty response from model", true, nil)
	}
	return tasks.Result{Text: strings.TrimSpace(resp.Choices[0].Message.Content), Model: model}, nil
}

func classifyOpenAIError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := openAIStatusCode(apiErr.HTTPStatusCode)
		if apiErr.Type != "" && code == "" {
			code = strings.ToUpper(apiErr.Type)
		}
		if code == "" {
			code = fmt.Sprintf("HTTP_%d", apiErr.HTTPStatusCode)
		}
		return Fail(code, reliability.IsRetryableHTTPStatus(apiErr.HTTPStatusCode), err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		code := openAIStatusCode(reqErr.HTTPStatusCode)
		if code == "" {
			code = fmt.Sprintf("HTTP_%d", reqErr.HTTPStatusCode)
		}
		return Fail(code, reliability.IsRetryableHTTPStatus(reqErr.HTTPStatusCode), err)
	}
	return Fail("openai request failed", true, err)
}

func openAIStatusCode(status int) string {
	switch status {
	case http.StatusTooManyRequests:
		return "RATE_LIMIT"
	case http.StatusBadRequest:
		return "INVALID_REQUEST"
	case http.StatusUnauthorized, http.StatusForbidden:
		return "UNAUTHORIZED"
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return "UNAVAILABLE"
	default:
		return ""
	}
}
