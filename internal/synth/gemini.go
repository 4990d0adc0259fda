package synth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/ent0n29/studio/internal/reliability"
	"github.com/ent0n29/studio/internal/tasks"
)

const defaultGeminiModel = "gemini-2.0-flash-preview-image-generation"

// Gemini synthesizes through the Gemini API. Text parts of the reply land
// in Result.Text and inline image parts in Result.Images.
type Gemini struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

func NewGemini(ctx context.Context, apiKey, model string, logger *slog.Logger) (*Gemini, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%w: gemini api key is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(model) == "" {
		model = defaultGeminiModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", ErrInvalidConfig, err)
	}
	return &Gemini{client: client, model: model, logger: logger}, nil
}

func (g *Gemini) Synthesize(ctx context.Context, prompt string, params tasks.Parameters) (tasks.Result, error) {
	model := pickModel(params, g.model)
	parts := []*genai.Part{{Text: composePrompt(prompt, params)}}
	for _, ref := range params.ImageRefs {
		parts = append(parts, geminiImagePart(ref))
	}
	contents := []*genai.Content{{Role: "user", Parts: parts}}

	g.logger.DebugContext(ctx, "gemini request", "model", model, "kind", params.Kind, "image_refs", len(params.ImageRefs))
	resp, err := g.client.Models.GenerateContent(ctx, model, contents, nil)
	if err != nil {
		return tasks.Result{}, classifyGeminiError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return tasks.Result{}, Fail("empty response from model", true, nil)
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return tasks.Result{}, Fail("content blocked by safety filters", false, nil)
	}

	out := tasks.Result{Model: model}
	var text strings.Builder
	for _, part := range cand.Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.InlineData != nil && len(part.InlineData.Data) > 0 {
			out.Images = append(out.Images, tasks.Image{
				B64JSON:  base64.StdEncoding.EncodeToString(part.InlineData.Data),
				MIMEType: part.InlineData.MIMEType,
			})
		}
	}
	out.Text = strings.TrimSpace(text.String())
	if out.Text == "" && len(out.Images) == 0 {
		return tasks.Result{}, Fail("empty response from model", true, nil)
	}
	return out, nil
}

func geminiImagePart(ref string) *genai.Part {
	if mimeType, data, ok := parseDataURI(ref); ok {
		return &genai.Part{InlineData: &genai.Blob{MIMEType: mimeType, Data: data}}
	}
	return &genai.Part{FileData: &genai.FileData{FileURI: strings.TrimSpace(ref), MIMEType: guessMIME(ref)}}
}

func classifyGeminiError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		var apiErrPtr *genai.APIError
		if !errors.As(err, &apiErrPtr) || apiErrPtr == nil {
			return Fail("gemini request failed", true, err)
		}
		apiErr = *apiErrPtr
	}
	code := strings.TrimSpace(apiErr.Status)
	if code == "" {
		code = fmt.Sprintf("HTTP_%d", apiErr.Code)
	}
	if code == "RESOURCE_EXHAUSTED" {
		code = "RATE_LIMIT"
	}
	retryable := reliability.IsRetryableHTTPStatus(apiErr.Code) || reliability.IsRetryableProviderCode(code)
	return Fail(code, retryable, err)
}
