package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kestrel-ai/kestrel/internal/providers"
	"github.com/kestrel-ai/kestrel/internal/retry"
	"github.com/kestrel-ai/kestrel/pkg/models"
)

// LoopConfig bounds a single Run: how many turns it may take, how much
// it may cost, how many tool calls one iteration may dispatch, how a
// failed provider request is retried, and which tools Policy allows.
type LoopConfig struct {
	MaxIterations     int
	MaxTotalCostUSD   float64
	MaxToolCallsPerIteration int
	RetryConfig       retry.Config
	Policy            PolicyFilter
}

// DefaultLoopConfig matches the conservative defaults the spec's
// budget invariants assume: bounded iterations, a hard cost ceiling,
// and a sane per-turn tool-call cap.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations:            25,
		MaxTotalCostUSD:          5.00,
		MaxToolCallsPerIteration: 16,
		RetryConfig:              retry.DefaultConfig(),
	}
}

// sanitizeLoopConfig fills in zero-value fields from DefaultLoopConfig
// so a caller can pass a partially-specified LoopConfig safely.
func sanitizeLoopConfig(cfg LoopConfig) LoopConfig {
	def := DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.MaxTotalCostUSD <= 0 {
		cfg.MaxTotalCostUSD = def.MaxTotalCostUSD
	}
	if cfg.MaxToolCallsPerIteration <= 0 {
		cfg.MaxToolCallsPerIteration = def.MaxToolCallsPerIteration
	}
	if cfg.RetryConfig.MaxAttempts <= 0 {
		cfg.RetryConfig = def.RetryConfig
	}
	return cfg
}

// LoopError is a terminal failure of a Run call: cancellation of ctx,
// or a provider error that the retry policy could not clear. Cost and
// iteration exhaustion are not LoopErrors; Run returns fallback text
// for them instead.
type LoopError struct {
	Reason string
	Err    error
}

func (e *LoopError) Error() string { return fmt.Sprintf("agent loop: %s: %v", e.Reason, e.Err) }
func (e *LoopError) Unwrap() error { return e.Err }

// Phase names the agentic loop's current activity, exposed for
// observability/testing.
type Phase string

const (
	PhaseStreaming   Phase = "streaming"
	PhaseToolExec    Phase = "tool_exec"
	PhaseContinuing  Phase = "continuing"
	PhaseDone        Phase = "done"
)

// State is the loop's working state for one Run call.
type State struct {
	Phase            Phase
	Iteration        int
	TotalToolCalls   int
	Messages         []providers.Message
	AccumulatedText  string
	TotalCostUSD     float64
}

// Loop drives a Provider against a tool Registry for one user turn,
// producing a final assistant text response.
type Loop struct {
	provider providers.Provider
	registry *Registry
	profile  models.ProviderProfile
	config   LoopConfig
}

// New builds a Loop bound to one provider/registry/profile triple; a
// fresh Loop (or at least a fresh State) is used per turn, but the
// Provider/Registry are shared across turns and sessions.
func New(provider providers.Provider, registry *Registry, profile models.ProviderProfile, config LoopConfig) *Loop {
	return &Loop{provider: provider, registry: registry, profile: profile, config: sanitizeLoopConfig(config)}
}

// costOf converts provider usage into a dollar figure using the
// active profile's per-token pricing.
func (l *Loop) costOf(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1_000_000*l.profile.InputCostPerMTok +
		float64(outputTokens)/1_000_000*l.profile.OutputCostPerMTok
}

// Run executes the turn loop to completion: stream a response, execute
// any requested tools in parallel, feed results back, and repeat until
// the model stops requesting tools or a budget is exhausted.
func (l *Loop) Run(ctx context.Context, system string, history []providers.Message) (string, *State, error) {
	state := &State{Phase: PhaseStreaming, Messages: append([]providers.Message(nil), history...)}

	for state.Iteration < l.config.MaxIterations {
		if err := ctx.Err(); err != nil {
			return "", state, &LoopError{Reason: "cancelled", Err: err}
		}
		if state.TotalCostUSD > l.config.MaxTotalCostUSD {
			state.Phase = PhaseDone
			text := fallbackText("cost ceiling reached ($%.4f of $%.4f spent this turn)", state.TotalCostUSD, l.config.MaxTotalCostUSD)
			state.AccumulatedText = text
			return text, state, nil
		}
		state.Iteration++

		text, toolCalls, err := l.streamPhase(ctx, system, state)
		if err != nil {
			return "", state, err
		}
		state.AccumulatedText = text

		if len(toolCalls) == 0 {
			state.Phase = PhaseDone
			return text, state, nil
		}
		if len(toolCalls) > l.config.MaxToolCallsPerIteration {
			toolCalls = toolCalls[:l.config.MaxToolCallsPerIteration]
		}

		state.Phase = PhaseToolExec
		results := l.executeToolsPhase(ctx, toolCalls)
		state.TotalToolCalls += len(toolCalls)

		state.Messages = append(state.Messages, providers.Message{Role: "assistant", Content: text})
		state.Messages = append(state.Messages, toolResultsToMessage(results))
		state.Phase = PhaseContinuing
	}

	state.Phase = PhaseDone
	text := fallbackText("reached this turn's %d-iteration limit", l.config.MaxIterations)
	state.AccumulatedText = text
	return text, state, nil
}

// fallbackText is the user-visible reply for a budget-exhaustion
// outcome. Running out of cost or iteration budget mid-turn is a
// normal conversational outcome (spec §4.3), not a loop failure: the
// caller still gets a reply, persisted like any other assistant turn,
// rather than an error the pipeline has to special-case.
func fallbackText(format string, args ...any) string {
	return "I've hit a budget limit before finishing this turn (" + fmt.Sprintf(format, args...) + "). Let me know if you'd like me to keep going."
}

// streamPhase issues one streaming completion request and folds the
// chunks into accumulated text plus a set of requested tool calls,
// retrying the whole request per l.config.RetryConfig on a
// classified-transient provider error.
func (l *Loop) streamPhase(ctx context.Context, system string, state *State) (string, []models.ToolCall, error) {
	req := providers.CompletionRequest{
		Model:    l.profile.Model,
		System:   system,
		Messages: state.Messages,
		Tools:    l.llmTools(),
		MaxTokens: l.profile.MaxOutputTokens,
	}

	type streamOutcome struct {
		text      string
		toolCalls []models.ToolCall
	}

	outcome, res := retry.DoWithValue(ctx, l.config.RetryConfig, func(ctx context.Context, attempt int) (streamOutcome, error) {
		chunks, errCh := l.provider.Stream(ctx, req)
		var out streamOutcome
		var pendingTool *models.ToolCall
		var pendingInput []byte

		for chunk := range chunks {
			switch chunk.Kind {
			case providers.ChunkText:
				out.text += chunk.Text
			case providers.ChunkToolCall:
				out.toolCalls = append(out.toolCalls, models.ToolCall{
					ID:    chunk.ToolCallID,
					Name:  chunk.ToolName,
					Input: json.RawMessage(chunk.ToolInput),
				})
			case providers.ChunkUsage:
				state.TotalCostUSD += l.costOf(chunk.InputTokens, chunk.OutputTokens)
			}
		}
		_ = pendingTool
		_ = pendingInput

		if err, ok := <-errCh; ok && err != nil {
			if !providers.Retryable(err) {
				return out, retry.Permanent(err)
			}
			return out, err
		}
		return out, nil
	})

	if res.Err != nil {
		return "", nil, &LoopError{Reason: "provider_error", Err: res.Err}
	}
	return outcome.text, outcome.toolCalls, nil
}

func (l *Loop) llmTools() []providers.ToolSpec {
	tools := l.registry.FilteredTools(l.config.Policy)
	out := make([]providers.ToolSpec, 0, len(tools))
	for _, t := range tools {
		out = append(out, providers.ToolSpec{Name: t.Name(), Description: t.Description(), InputSchema: t.InputSchema()})
	}
	return out
}

// toolOutcome is the Either(ToolResult, error) value joined back from
// parallel dispatch.
type toolOutcome struct {
	callID string
	result ToolResult
	err    error
}

// executeToolsPhase dispatches every call concurrently and joins all
// outcomes before returning, regardless of individual failures — one
// tool erroring never drops sibling results, and ctx cancellation
// still lets already-finished goroutines report their outcome.
func (l *Loop) executeToolsPhase(ctx context.Context, calls []models.ToolCall) []models.ToolResult {
	outcomes := make(chan toolOutcome, len(calls))
	for _, call := range calls {
		go func(c models.ToolCall) {
			if t, ok := l.registry.Get(c.Name); ok && !l.config.Policy.Allowed(t) {
				outcomes <- toolOutcome{callID: c.ID, result: ToolResult{Content: fmt.Sprintf("tool %s is not permitted under the current policy", c.Name), IsError: true}}
				return
			}
			res, err := l.registry.Execute(ctx, c.Name, c.Input)
			outcomes <- toolOutcome{callID: c.ID, result: res, err: err}
		}(call)
	}

	byID := make(map[string]models.ToolResult, len(calls))
	for i := 0; i < len(calls); i++ {
		o := <-outcomes
		if o.err != nil {
			byID[o.callID] = models.ToolResult{ToolCallID: o.callID, Content: o.err.Error(), IsError: true}
			continue
		}
		byID[o.callID] = models.ToolResult{ToolCallID: o.callID, Content: o.result.Content, IsError: o.result.IsError}
	}

	ordered := make([]models.ToolResult, 0, len(calls))
	for _, c := range calls {
		ordered = append(ordered, byID[c.ID])
	}
	return ordered
}

func toolResultsToMessage(results []models.ToolResult) providers.Message {
	content := ""
	for _, r := range results {
		tag := "result"
		if r.IsError {
			tag = "error"
		}
		content += fmt.Sprintf("[tool_%s %s]: %s\n", tag, r.ToolCallID, r.Content)
	}
	return providers.Message{Role: "user", Content: content}
}

// NewToolCallID generates an opaque id for a synthetic tool call, used
// by tests and by tools that need to self-report sub-calls.
func NewToolCallID() string { return uuid.NewString() }

// ErrCancelled describes a context that was already cancelled. Run does
// not return it: Run reports cancellation as a *LoopError with Reason
// "cancelled" wrapping ctx.Err().
var ErrCancelled = errors.New("agent: context already cancelled")

// TimeBudget runs fn with a deadline derived from maxDuration. When fn
// fails after that deadline has passed, the error is wrapped with
// context.DeadlineExceeded, so callers can tell "ran out of time" from
// other failures with errors.Is.
func TimeBudget(ctx context.Context, maxDuration time.Duration, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, maxDuration)
	defer cancel()
	err := fn(cctx)
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}
