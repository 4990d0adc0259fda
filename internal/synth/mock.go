package synth

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/studio/internal/reliability"
	"github.com/ent0n29/studio/internal/tasks"
)

// failDirective makes the mock fail on purpose: a prompt starting with
// "!fail:RATE_LIMIT" fails with that code.
const failDirective = "!fail:"

// Mock answers deterministically without calling out. It is the default
// provider for local runs.
type Mock struct {
	Delay time.Duration
	Model string
}

func NewMock(delay time.Duration) *Mock {
	return &Mock{Delay: delay, Model: "mock-1"}
}

func (m *Mock) Synthesize(ctx context.Context, prompt string, params tasks.Parameters) (tasks.Result, error) {
	if m.Delay > 0 {
		t := time.NewTimer(m.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return tasks.Result{}, ctx.Err()
		case <-t.C:
		}
	}

	prompt = strings.TrimSpace(prompt)
	if rest, ok := strings.CutPrefix(prompt, failDirective); ok {
		code := strings.ToUpper(strings.TrimSpace(strings.SplitN(rest, " ", 2)[0]))
		if code == "" {
			code = "INTERNAL"
		}
		return tasks.Result{}, Fail(code, reliability.IsRetryableProviderCode(code), nil)
	}

	model := pickModel(params, m.Model)
	sum := sha1.Sum([]byte(string(params.Kind) + "\x00" + prompt))
	digest := hex.EncodeToString(sum[:8])

	if params.Kind == tasks.KindAnalyze {
		return tasks.Result{
			Text:  fmt.Sprintf("analysis of %d image(s): %s", len(params.ImageRefs), prompt),
			Model: model,
		}, nil
	}

	n := params.Count
	if n <= 0 {
		n = 1
	}
	images := make([]tasks.Image, 0, n)
	for i := 0; i < n; i++ {
		images = append(images, tasks.Image{
			URL:           fmt.Sprintf("mock://%s/%s-%d.png", params.Kind, digest, i),
			MIMEType:      "image/png",
			RevisedPrompt: composePrompt(prompt, params),
		})
	}
	return tasks.Result{Images: images, Model: model}, nil
}
