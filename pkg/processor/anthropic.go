package processor

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"conductor/pkg/errs"
	"conductor/pkg/logx"
)

// Anthropic engages Claude through the Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int
	counter   *TokenCounter
	logger    *logx.Logger
}

// NewAnthropic creates the Claude adapter.
func NewAnthropic(apiKey, model string, maxTokens int) *Anthropic {
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &Anthropic{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     anthropic.Model(model),
		maxTokens: maxTokens,
		counter:   NewTokenCounter(),
		logger:    logx.NewLogger("anthropic"),
	}
}

// Name implements WorkProcessor.
func (a *Anthropic) Name() string { return "anthropic/" + string(a.model) }

// Process implements WorkProcessor: one engagement, one completion.
func (a *Anthropic) Process(ctx context.Context, req Request) (*Result, error) {
	prompt := buildPrompt(req)

	if req.BudgetUSD > 0 {
		estimate := a.counter.EstimateCostUSD(string(a.model), prompt, a.maxTokens)
		if estimate > req.BudgetUSD {
			return &Result{
				Success: false,
				Error:   "engagement skipped: estimated cost exceeds item budget",
			}, nil
		}
	}

	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: int64(a.maxTokens),
		System: []anthropic.TextBlockParam{{
			Text: systemPrompt,
		}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	heartbeat(req)
	resp, err := a.client.Messages.New(ctx, params)
	heartbeat(req)
	if err != nil {
		return nil, classifyAPIError("anthropic messages", err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return nil, &errs.NetworkError{Op: "anthropic messages", Err: errEmptyResponse}
	}

	var text strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}

	cost := CostUSD(string(a.model), resp.Usage.InputTokens, resp.Usage.OutputTokens)
	a.logger.Debug("engagement for %s: %d in / %d out tokens, $%.4f",
		req.IssueURL, resp.Usage.InputTokens, resp.Usage.OutputTokens, cost)

	return &Result{
		Success:      true,
		Summary:      text.String(),
		CostUSD:      cost,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		TurnCount:    1,
	}, nil
}
