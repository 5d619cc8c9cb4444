package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alexander-akhmetov/ccgateway/internal/cache"
	"github.com/alexander-akhmetov/ccgateway/internal/cliproc"
	"github.com/alexander-akhmetov/ccgateway/internal/openai"
	"github.com/alexander-akhmetov/ccgateway/internal/session"
	"github.com/alexander-akhmetov/ccgateway/internal/toolcall"
	"github.com/alexander-akhmetov/ccgateway/internal/translate"
)

// SpawnFunc starts one Claude Code child for the given (post-alias) model.
// Production wires cliproc.Spawn through the config's argv prefix; tests
// inject scripted runners.
type SpawnFunc func(ctx context.Context, model string) (session.Runner, error)

// OrchestratorConfig tunes per-request behavior.
type OrchestratorConfig struct {
	// TurnTimeout bounds one whole turn, prompt write to terminal event.
	TurnTimeout time.Duration

	// CacheEnabled turns response caching (and single-flight) on.
	CacheEnabled bool

	// StreamChunkBytes sub-chunks large streaming deltas; 0 disables.
	StreamChunkBytes int
}

// Orchestrator is the per-request driver: validation, cache admission,
// session selection, the turn itself, and response projection.
type Orchestrator struct {
	cfg     OrchestratorConfig
	store   *session.Store
	cache   *cache.Cache
	images  translate.ImageResolver
	spawn   SpawnFunc
	metrics *Metrics
	log     *logrus.Entry
}

// NewOrchestrator wires the per-request driver.
func NewOrchestrator(cfg OrchestratorConfig, store *session.Store, respCache *cache.Cache, images translate.ImageResolver, spawn SpawnFunc) *Orchestrator {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 10 * time.Minute
	}
	return &Orchestrator{
		cfg:    cfg,
		store:  store,
		cache:  respCache,
		images: images,
		spawn:  spawn,
		log:    logrus.WithField("component", "orchestrator"),
	}
}

// SetMetrics attaches the Prometheus collectors; nil is fine for tests.
func (o *Orchestrator) SetMetrics(m *Metrics) { o.metrics = m }

// validate applies the request-shape rules shared by both modes.
func (o *Orchestrator) validate(req *openai.ChatCompletionRequest) error {
	if len(req.Messages) == 0 {
		return validationError("messages must not be empty")
	}
	if !translate.HasNonSystemMessage(req.Messages) {
		return validationError("at least one non-system message is required")
	}
	if !translate.ValidModel(translate.ResolveModel(req.Model)) {
		return unknownModelError(req.Model)
	}
	if req.Stream && len(req.Tools) > 0 {
		// Tool-call detection needs the whole response; it cannot run over
		// SSE. Rejecting keeps the limitation visible instead of silently
		// changing the transport.
		return validationError("tools are not supported with stream=true")
	}
	return nil
}

// Complete handles a non-streaming request and returns the marshaled
// response body. Cached hits replay the stored bytes verbatim, so identical
// requests get byte-identical responses.
func (o *Orchestrator) Complete(ctx context.Context, req *openai.ChatCompletionRequest) ([]byte, error) {
	if err := o.validate(req); err != nil {
		return nil, err
	}
	model := translate.ResolveModel(req.Model)

	if req.ConversationID == "" && o.cfg.CacheEnabled && o.cache != nil {
		fingerprint := translate.Fingerprint(req)
		// The producer must not die with the first caller: every coalesced
		// waiter shares its outcome. The turn deadline still bounds it.
		produceCtx := context.WithoutCancel(ctx)
		return o.cache.GetOrCompute(fingerprint, func() ([]byte, error) {
			return o.completeUncached(produceCtx, req, model)
		})
	}
	return o.completeUncached(ctx, req, model)
}

func (o *Orchestrator) completeUncached(ctx context.Context, req *openai.ChatCompletionRequest, model string) ([]byte, error) {
	guard, prompt, err := o.acquireSession(ctx, req, model)
	if err != nil {
		return nil, err
	}

	acc, err := o.runTurn(ctx, guard.Runner(), prompt, nil)
	if err != nil {
		guard.Release(session.OutcomePoisoned)
		return nil, err
	}
	guard.Release(session.OutcomeOK)

	var calls []openai.ToolCall
	if len(req.Tools) > 0 {
		calls = toolcall.Extract(acc.Text(), req.Tools)
	}

	resp := acc.Response(model, calls)
	if o.metrics != nil {
		o.metrics.observeTurn(acc.CostUSD())
	}
	o.log.WithFields(logrus.Fields{
		"model":       model,
		"cost_usd":    acc.CostUSD(),
		"duration_ms": acc.DurationMS(),
		"tool_calls":  len(calls),
	}).Info("turn completed")

	body, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	return body, nil
}

// Stream handles a streaming request, calling emit for every chunk in
// production order. The caller frames the chunks as SSE and appends the
// [DONE] sentinel. When the turn dies after chunks have been emitted, a
// final chunk with finish_reason "error" is emitted before the error
// returns.
func (o *Orchestrator) Stream(ctx context.Context, req *openai.ChatCompletionRequest, emit func(openai.ChatCompletionChunk) error) error {
	if err := o.validate(req); err != nil {
		return err
	}
	model := translate.ResolveModel(req.Model)

	guard, prompt, err := o.acquireSession(ctx, req, model)
	if err != nil {
		return err
	}

	state := translate.NewStreamState(model, o.cfg.StreamChunkBytes)
	emitted := false
	onDelta := func(text string) error {
		for _, chunk := range state.ContentChunks(text) {
			if err := emit(chunk); err != nil {
				return err
			}
			emitted = true
		}
		return nil
	}

	acc, err := o.runTurn(ctx, guard.Runner(), prompt, onDelta)
	if err != nil {
		guard.Release(session.OutcomePoisoned)
		if emitted {
			if emitErr := emit(state.FinishChunk("error")); emitErr == nil {
				o.log.WithError(err).Warn("stream aborted mid-turn")
			}
		}
		return err
	}
	guard.Release(session.OutcomeOK)
	if o.metrics != nil {
		o.metrics.observeTurn(acc.CostUSD())
	}

	reason := "stop"
	if acc.Truncated() {
		reason = "length"
	}
	return emit(state.FinishChunk(reason))
}

// acquireSession picks the conversation-scoped or ephemeral session and
// collapses the request into the prompt for this turn. A fresh session gets
// the whole transcript; a warm one only the newest user message, since the
// child already holds the rest.
func (o *Orchestrator) acquireSession(ctx context.Context, req *openai.ChatCompletionRequest, model string) (*session.Guard, translate.Prompt, error) {
	factory := func(ctx context.Context) (session.Runner, error) {
		return o.spawn(ctx, model)
	}

	var guard *session.Guard
	var err error
	if req.ConversationID != "" {
		guard, err = o.store.Acquire(ctx, req.ConversationID, model, factory)
	} else {
		guard, err = o.store.AcquireEphemeral(ctx, model, factory)
	}
	if err != nil {
		return nil, translate.Prompt{}, err
	}

	var prompt translate.Prompt
	if guard.Fresh() {
		prompt, err = translate.CollapseRequest(ctx, req, o.images)
	} else {
		prompt, err = translate.CollapseLatestTurn(ctx, req, o.images)
	}
	if err != nil {
		if guard.Fresh() {
			// This child never saw the transcript; pooling it would make the
			// next turn skip the history it does not have.
			guard.Release(session.OutcomePoisoned)
		} else {
			guard.Release(session.OutcomeOK) // the child is untouched, keep it
		}
		return nil, translate.Prompt{}, validationError("%v", err)
	}
	return guard, prompt, nil
}

// runTurn executes one full turn under the guard's serialization: write the
// prompt, then read events until the terminator, all bounded by the turn
// deadline. Context cancellation (client gone) interrupts the child so it is
// not left producing unread output.
func (o *Orchestrator) runTurn(ctx context.Context, runner session.Runner, prompt translate.Prompt, onDelta func(string) error) (*translate.Accumulator, error) {
	turnCtx, cancel := context.WithTimeout(ctx, o.cfg.TurnTimeout)
	defer cancel()

	if err := runner.SendPrompt(prompt.Text, prompt.ImagePaths); err != nil {
		return nil, err
	}

	var acc translate.Accumulator
	for {
		ev, err := runner.ReadEvent(turnCtx)
		if err != nil {
			if ctx.Err() != nil || turnCtx.Err() != nil {
				runner.Interrupt()
			}
			return nil, err
		}
		acc.Observe(ev)

		switch ev.Kind {
		case cliproc.EventAssistantDelta:
			if onDelta != nil {
				if err := onDelta(ev.Text); err != nil {
					// The client went away; stop the child instead of letting
					// it stream into the void.
					runner.Interrupt()
					return nil, err
				}
			}
		case cliproc.EventToolInvocation:
			o.log.WithField("tool", ev.ToolName).Debug("cli tool invocation")
		case cliproc.EventResult:
			return &acc, nil
		case cliproc.EventError:
			return nil, fmt.Errorf("%w: %s", cliproc.ErrProtocol, ev.ErrorMessage)
		}
	}
}
