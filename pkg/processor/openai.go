package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"conductor/pkg/errs"
	"conductor/pkg/logx"
)

//nolint:gochecknoglobals // Shared sentinel for empty completions
var errEmptyResponse = errors.New("empty response from model")

// OpenAI engages GPT models through the Responses API.
type OpenAI struct {
	client    openai.Client
	model     string
	maxTokens int
	counter   *TokenCounter
	logger    *logx.Logger
}

// NewOpenAI creates the OpenAI adapter.
func NewOpenAI(apiKey, model string, maxTokens int) *OpenAI {
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &OpenAI{
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: maxTokens,
		counter:   NewTokenCounter(),
		logger:    logx.NewLogger("openai"),
	}
}

// Name implements WorkProcessor.
func (o *OpenAI) Name() string { return "openai/" + o.model }

// Process implements WorkProcessor.
func (o *OpenAI) Process(ctx context.Context, req Request) (*Result, error) {
	prompt := fmt.Sprintf("System: %s\n\n%s", systemPrompt, buildPrompt(req))

	if req.BudgetUSD > 0 {
		estimate := o.counter.EstimateCostUSD(o.model, prompt, o.maxTokens)
		if estimate > req.BudgetUSD {
			return &Result{
				Success: false,
				Error:   "engagement skipped: estimated cost exceeds item budget",
			}, nil
		}
	}

	params := responses.ResponseNewParams{
		Model:           o.model,
		MaxOutputTokens: openai.Int(int64(o.maxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(prompt)},
	}

	heartbeat(req)
	resp, err := o.client.Responses.New(ctx, params)
	heartbeat(req)
	if err != nil {
		return nil, classifyAPIError("openai responses", err)
	}
	text := resp.OutputText()
	if text == "" {
		return nil, &errs.NetworkError{Op: "openai responses", Err: errEmptyResponse}
	}

	cost := CostUSD(o.model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	o.logger.Debug("engagement for %s: %d in / %d out tokens, $%.4f",
		req.IssueURL, resp.Usage.InputTokens, resp.Usage.OutputTokens, cost)

	return &Result{
		Success:      true,
		Summary:      text,
		CostUSD:      cost,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		TurnCount:    1,
	}, nil
}

// classifyAPIError maps SDK failures into the shared taxonomy: rate limits,
// server errors, and transport problems are transient NetworkErrors the
// resilience layer may retry; everything else propagates as-is.
func classifyAPIError(op string, err error) error {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"429", "rate limit", "overloaded",
		"500", "502", "503", "529",
		"timeout", "connection reset", "connection refused", "eof",
	} {
		if strings.Contains(msg, marker) {
			return &errs.NetworkError{Op: op, Err: err}
		}
	}
	return fmt.Errorf("%s failed: %w", op, err)
}
