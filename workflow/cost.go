package workflow

import (
	"fmt"
	"sync"
	"time"
)

// ModelPricing gives per-million-token USD pricing for one model, used by
// CostTracker to attribute cost to agent executor invocations.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// defaultModelPricing seeds CostTracker with publicly listed provider
// pricing as of 2025-01-01. Google entries are kept even though the
// Google agent provider itself was dropped (see DESIGN.md): a deployment
// may still report cost for a model invoked through a custom
// AgentProvider adapter.
var defaultModelPricing = map[string]ModelPricing{
	"gpt-4o":                     {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":                {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":                {InputPer1M: 10.00, OutputPer1M: 30.00},
	"gpt-3.5-turbo":              {InputPer1M: 0.50, OutputPer1M: 1.50},
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-opus-20240229":     {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-3-sonnet-20240229":   {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-haiku-20240307":    {InputPer1M: 0.25, OutputPer1M: 1.25},
	"gemini-1.5-pro":             {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash":           {InputPer1M: 0.075, OutputPer1M: 0.30},
}

// AgentCall records one agent-provider invocation's token usage and cost,
// attributed to the executor that made it.
type AgentCall struct {
	Model        string
	ExecutorID   ExecutorID
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Timestamp    time.Time
}

// CostTracker accumulates a per-run LLM token/cost ledger. The agent
// executor adapter attaches its running totals (tokens, cost_usd) to the
// emit.Event records it raises rather than exposing a standalone billing
// API.
type CostTracker struct {
	RunID    RunID
	Currency string
	Pricing  map[string]ModelPricing

	mu         sync.RWMutex
	calls      []AgentCall
	totalCost  float64
	modelCosts map[string]float64
	inTokens   int64
	outTokens  int64
	enabled    bool
}

// NewCostTracker creates a tracker for one run, seeded with
// defaultModelPricing.
func NewCostTracker(runID RunID, currency string) *CostTracker {
	return &CostTracker{
		RunID:      runID,
		Currency:   currency,
		Pricing:    defaultModelPricing,
		modelCosts: make(map[string]float64),
		enabled:    true,
	}
}

// RecordAgentCall attributes token usage and cost to one agent executor
// invocation. Unknown models are recorded at zero cost rather than
// rejected, so a misconfigured pricing table never fails a run.
func (ct *CostTracker) RecordAgentCall(model string, executorID ExecutorID, inputTokens, outputTokens int) AgentCall {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if !ct.enabled {
		return AgentCall{}
	}

	pricing := ct.Pricing[model]
	cost := (float64(inputTokens)/1_000_000.0)*pricing.InputPer1M + (float64(outputTokens)/1_000_000.0)*pricing.OutputPer1M

	call := AgentCall{
		Model:        model,
		ExecutorID:   executorID,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      cost,
		Timestamp:    time.Now(),
	}
	ct.calls = append(ct.calls, call)
	ct.totalCost += cost
	ct.modelCosts[model] += cost
	ct.inTokens += int64(inputTokens)
	ct.outTokens += int64(outputTokens)
	return call
}

func (ct *CostTracker) TotalCost() float64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.totalCost
}

func (ct *CostTracker) CostByModel() map[string]float64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	out := make(map[string]float64, len(ct.modelCosts))
	for k, v := range ct.modelCosts {
		out[k] = v
	}
	return out
}

func (ct *CostTracker) TokenUsage() (input, output int64) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.inTokens, ct.outTokens
}

func (ct *CostTracker) String() string {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return fmt.Sprintf("CostTracker{RunID: %s, calls: %d, total: %.4f %s}", ct.RunID, len(ct.calls), ct.totalCost, ct.Currency)
}
