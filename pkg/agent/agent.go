// Package agent runs the reasoning loop: assemble user context, call
// the model through the gateway, execute requested tools, verify the
// draft, and stream typed events back to the caller while persisting
// the conversation.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lontar-ai/lontar/pkg/config"
	"github.com/lontar-ai/lontar/pkg/llms"
	"github.com/lontar-ai/lontar/pkg/logger"
	"github.com/lontar-ai/lontar/pkg/memory"
	"github.com/lontar-ai/lontar/pkg/retrieval"
	"github.com/lontar-ai/lontar/pkg/session"
	"github.com/lontar-ai/lontar/pkg/tools"
	"github.com/lontar-ai/lontar/pkg/verify"
)

// Gateway is the slice of the LLM gateway the agent drives.
type Gateway interface {
	Stream(ctx context.Context, req llms.Request) (<-chan llms.Event, error)
}

// ToolRunner is the slice of the tool registry the agent dispatches
// through.
type ToolRunner interface {
	Execute(ctx context.Context, name string, args map[string]any) tools.ToolResult
	Definitions() []llms.ToolDefinition
}

// Assembler builds the per-turn user context block.
type Assembler interface {
	Assemble(ctx context.Context, userID, conversationID string) *memory.UserContext
}

// Verifier grades drafts against evidence.
type Verifier interface {
	Verify(ctx context.Context, query, draft string, evidence []string) (*verify.Verdict, error)
}

// Conversations is the slice of the conversation store the agent
// persists through.
type Conversations interface {
	Ensure(ctx context.Context, id, userID string) (*session.Conversation, error)
	AppendTurn(ctx context.Context, turn *session.Turn) (int64, error)
	Recent(ctx context.Context, conversationID string, k int) ([]*session.Turn, error)
}

// Locks serializes requests per conversation.
type Locks interface {
	Acquire(ctx context.Context, conversationID string) (func(), error)
}

// Sessions is the slice of the ephemeral session store the agent keeps
// its scratchpad in, keyed by conversation id.
type Sessions interface {
	Get(ctx context.Context, id string) (*session.Session, error)
	Update(ctx context.Context, sess *session.Session) error
}

// Deps are the agent's collaborators. Verifier, Sessions, Extractor and
// Summarizer are optional; nil disables the corresponding stage.
type Deps struct {
	Gateway       Gateway
	Tools         ToolRunner
	Assembler     Assembler
	Verifier      Verifier
	Conversations Conversations
	Locks         Locks
	Sessions      Sessions
	Extractor     *memory.Extractor
	Summarizer    *memory.Summarizer
}

// Request is one agent invocation.
type Request struct {
	Query          string `json:"query"`
	UserID         string `json:"user_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Source is one cited passage in the final envelope.
type Source struct {
	ChunkID       string  `json:"chunk_id"`
	DocumentID    string  `json:"document_id"`
	HierarchyPath string  `json:"hierarchy_path"`
	Collection    string  `json:"collection"`
	Score         float64 `json:"score"`
}

// Response is the non-streaming result envelope.
type Response struct {
	Answer         string           `json:"answer"`
	ConversationID string           `json:"conversation_id"`
	Sources        []Source         `json:"sources"`
	RouteUsed      string           `json:"route_used,omitempty"`
	Steps          int              `json:"steps"`
	ModelChain     []llms.ChainStep `json:"model_chain,omitempty"`
	LatencyMs      int64            `json:"latency_ms"`
	Truncated      bool             `json:"truncated,omitempty"`
	Verification   *verify.Verdict  `json:"verification,omitempty"`
}

const eventBufferSize = 64

type Agent struct {
	cfg   *config.AgentConfig
	flags *config.FeatureFlags
	deps  Deps
	log   *slog.Logger
}

func New(cfg *config.AgentConfig, flags *config.FeatureFlags, deps Deps) (*Agent, error) {
	if cfg == nil {
		return nil, fmt.Errorf("agent config is required")
	}
	if flags == nil {
		return nil, fmt.Errorf("feature flags are required")
	}
	if deps.Gateway == nil || deps.Tools == nil || deps.Assembler == nil {
		return nil, fmt.Errorf("gateway, tools, and assembler are required")
	}
	if deps.Conversations == nil || deps.Locks == nil {
		return nil, fmt.Errorf("conversation store and locks are required")
	}
	return &Agent{
		cfg:   cfg,
		flags: flags,
		deps:  deps,
		log:   logger.For("agent"),
	}, nil
}

// Stream runs one turn and emits events on the returned channel.
// Input validation fails synchronously so callers can map it to a 400
// before committing to a stream.
func (a *Agent) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, badInput(fmt.Errorf("query cannot be empty"))
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}

	ch := make(chan Event, eventBufferSize)
	go a.run(ctx, req, ch)
	return ch, nil
}

// Query is the non-streaming variant: it consumes its own stream and
// folds it into a Response.
func (a *Agent) Query(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	ch, err := a.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	resp := &Response{ConversationID: req.ConversationID}
	var answer strings.Builder
	for ev := range ch {
		switch ev.Type {
		case EventToken:
			answer.WriteString(ev.Text)
		case EventMetadata:
			foldMetadata(resp, ev.Metadata)
		case EventError:
			return nil, &TerminalError{Kind: ev.ErrorKind, Message: ev.Error}
		}
	}
	resp.Answer = answer.String()
	resp.LatencyMs = time.Since(start).Milliseconds()
	return resp, nil
}

// TerminalError is a stream's error event surfaced to non-streaming
// callers.
type TerminalError struct {
	Kind    ErrorKind
	Message string
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func foldMetadata(resp *Response, md map[string]any) {
	if id, ok := md["conversation_id"].(string); ok {
		resp.ConversationID = id
	}
	if sources, ok := md["sources"].([]Source); ok {
		resp.Sources = sources
	}
	if route, ok := md["route_used"].(string); ok {
		resp.RouteUsed = route
	}
	if steps, ok := md["steps"].(int); ok {
		resp.Steps = steps
	}
	if chain, ok := md["model_chain"].([]llms.ChainStep); ok {
		resp.ModelChain = chain
	}
	if truncated, ok := md["truncated"].(bool); ok {
		resp.Truncated = truncated
	}
	if verdict, ok := md["verification"].(*verify.Verdict); ok {
		resp.Verification = verdict
	}
}

// turnState accumulates everything one turn produces.
type turnState struct {
	req        Request
	messages   []llms.Message
	userCtx    *memory.UserContext
	steps      int
	executed   map[string]string
	sources    []Source
	seenChunks map[string]bool
	routeUsed  string
	modelChain []llms.ChainStep
	feedback   string
	truncated  bool
	verdict    *verify.Verdict
	emitted    bool
}

func (a *Agent) run(ctx context.Context, req Request, ch chan<- Event) {
	defer close(ch)

	if a.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.TurnTimeout)
		defer cancel()
	}

	state := &turnState{
		req:        req,
		executed:   make(map[string]string),
		seenChunks: make(map[string]bool),
	}
	emit := func(ev Event) bool {
		select {
		case ch <- ev:
			if ev.Type == EventToken || ev.Type == EventToolCall {
				state.emitted = true
			}
			return true
		case <-ctx.Done():
			return false
		}
	}

	release, err := a.deps.Locks.Acquire(ctx, req.ConversationID)
	if err != nil {
		sendTerminal(ch, errorEvent(Classify(err), fmt.Errorf("conversation busy: %w", err)))
		return
	}
	defer release()

	if err := a.turn(ctx, state, emit); err != nil {
		a.persistTerminal(ctx, state, err)
		sendTerminal(ch, errorEvent(Classify(err), err))
		return
	}
	sendTerminal(ch, Event{Type: EventDone})
}

// terminalSendGrace bounds how long a terminal event waits for a slow
// consumer before the stream is abandoned.
const terminalSendGrace = 30 * time.Second

// sendTerminal delivers the stream's final event without consulting
// the request context: the context is usually already cancelled on the
// error path. The send blocks until the consumer drains the buffer, so
// a full buffer still ends the stream on a done or error event; only a
// consumer that stopped reading entirely forfeits it.
func sendTerminal(ch chan<- Event, ev Event) {
	select {
	case ch <- ev:
	case <-time.After(terminalSendGrace):
	}
}

// turn runs the loop through finalization. Any returned error becomes
// the stream's terminal error event.
func (a *Agent) turn(ctx context.Context, state *turnState, emit func(Event) bool) error {
	req := state.req

	if _, err := a.deps.Conversations.Ensure(ctx, req.ConversationID, req.UserID); err != nil {
		return fmt.Errorf("conversation store unavailable: %w", err)
	}
	a.restoreScratchpad(ctx, state)

	state.userCtx = a.deps.Assembler.Assemble(ctx, req.UserID, req.ConversationID)
	for _, warning := range state.userCtx.Warnings {
		emit(warningEvent(warning))
	}

	// Prefilters: refusal and identity turns never reach the model or
	// the tools.
	if enabled(a.flags.DomainFilter) && isOffDomain(req.Query) {
		return a.shortCircuit(ctx, state, emit, refusalText, "off_domain")
	}
	if enabled(a.flags.IdentityShortcut) && isIdentityQuestion(req.Query) {
		return a.shortCircuit(ctx, state, emit, identityAnswer(state.userCtx), "identity")
	}

	history, err := a.deps.Conversations.Recent(ctx, req.ConversationID, a.cfg.MaxHistory)
	if err != nil {
		return fmt.Errorf("conversation history unavailable: %w", err)
	}
	state.messages = append(historyMessages(history), llms.Message{Role: "user", Content: req.Query})

	if _, err := a.deps.Conversations.AppendTurn(ctx, &session.Turn{
		ConversationID: req.ConversationID,
		Role:           session.RoleUser,
		Content:        req.Query,
	}); err != nil {
		return fmt.Errorf("failed to persist user turn: %w", err)
	}

	answer, err := a.loop(ctx, state, emit)
	if err != nil {
		return err
	}
	return a.finalize(ctx, state, emit, answer)
}

// loop is the Generate → Execute cycle. It returns the accepted draft.
func (a *Agent) loop(ctx context.Context, state *turnState, emit func(Event) bool) (string, error) {
	for {
		draft, calls, err := a.generate(ctx, state, emit)
		if err != nil {
			return "", err
		}

		if len(calls) > 0 && state.steps < a.cfg.StepBudget {
			if err := a.execute(ctx, state, emit, calls); err != nil {
				return "", err
			}
			if state.steps >= a.cfg.StepBudget {
				// Budget exhausted with the model still reaching for
				// tools: force a best-effort answer.
				state.truncated = true
			}
			continue
		}
		if len(calls) > 0 {
			state.truncated = true
			state.messages = append(state.messages, llms.Message{
				Role:    "user",
				Content: "Tool budget exhausted. Answer now with the information you already have, and say what could not be checked.",
			})
			draft, _, err = a.generate(ctx, state, emit)
			if err != nil {
				return "", err
			}
		}

		if strings.TrimSpace(draft) == "" {
			return "", fmt.Errorf("model produced no answer")
		}

		retry, err := a.verifyDraft(ctx, state, emit, draft)
		if err != nil {
			return "", err
		}
		if retry {
			continue
		}
		return draft, nil
	}
}

// generate runs one gateway call and relays its stream. Tool calls are
// collected rather than relayed; the agent emits its own tool_call
// event when it decides to execute one.
func (a *Agent) generate(ctx context.Context, state *turnState, emit func(Event) bool) (string, []*llms.ToolCall, error) {
	llmCtx := ctx
	if a.cfg.LLMTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, a.cfg.LLMTimeout)
		defer cancel()
	}

	req := llms.Request{
		System:   buildSystem(a.cfg.SystemPrompt, state.userCtx.Block, state.feedback),
		Messages: state.messages,
	}
	if state.steps < a.cfg.StepBudget && !state.truncated {
		req.Tools = a.deps.Tools.Definitions()
	}
	state.feedback = ""

	stream, err := a.deps.Gateway.Stream(llmCtx, req)
	if err != nil {
		return "", nil, err
	}

	var draft strings.Builder
	var calls []*llms.ToolCall
	for ev := range stream {
		switch ev.Type {
		case llms.EventToken:
			draft.WriteString(ev.Text)
			if !emit(tokenEvent(ev.Text)) {
				return "", nil, ctx.Err()
			}
		case llms.EventToolCall:
			calls = append(calls, ev.ToolCall)
		case llms.EventDone:
			if chain, ok := ev.Metadata["model_chain"].([]llms.ChainStep); ok {
				state.modelChain = chain
			}
		case llms.EventError:
			return "", nil, ev.Err
		}
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	return draft.String(), calls, nil
}

// execute runs the chosen tool call and appends the observation.
// First declared wins; identical (name, canonical args) calls within
// the turn reuse the earlier observation.
func (a *Agent) execute(ctx context.Context, state *turnState, emit func(Event) bool, calls []*llms.ToolCall) error {
	call := calls[0]
	if len(calls) > 1 {
		dropped := make([]string, 0, len(calls)-1)
		for _, c := range calls[1:] {
			dropped = append(dropped, c.Name)
		}
		emit(warningEvent(fmt.Sprintf("multiple tool calls in one turn; executing %s, dropping %s",
			call.Name, strings.Join(dropped, ", "))))
	}

	if !emit(Event{Type: EventToolCall, ToolCall: call}) {
		return ctx.Err()
	}

	key := canonicalCall(call)
	observation, ok := state.executed[key]
	if !ok {
		toolCtx := ctx
		if a.cfg.ToolTimeout > 0 {
			var cancel context.CancelFunc
			toolCtx, cancel = context.WithTimeout(ctx, a.cfg.ToolTimeout)
			defer cancel()
		}
		result := a.deps.Tools.Execute(toolCtx, call.Name, call.Args)
		observation = result.Content
		a.harvest(state, result)
		state.executed[key] = observation
	}

	state.messages = append(state.messages,
		llms.Message{Role: "assistant", ToolCalls: []*llms.ToolCall{call}},
		llms.Message{Role: "tool", Content: observation, ToolCallID: call.ID, ToolName: call.Name},
	)
	state.steps++

	if _, err := a.deps.Conversations.AppendTurn(ctx, &session.Turn{
		ConversationID: state.req.ConversationID,
		Role:           session.RoleTool,
		ToolName:       call.Name,
		Content:        observation,
	}); err != nil {
		return fmt.Errorf("failed to persist tool turn: %w", err)
	}
	return nil
}

// harvest pulls citations and routing out of a tool observation.
func (a *Agent) harvest(state *turnState, result tools.ToolResult) {
	if result.Metadata == nil {
		return
	}
	if route, ok := result.Metadata["route_used"].(string); ok && route != "" {
		state.routeUsed = route
	}
	hits, ok := result.Metadata["sources"].([]retrieval.Result)
	if !ok {
		return
	}
	for _, hit := range hits {
		if state.seenChunks[hit.ChunkID] {
			continue
		}
		state.seenChunks[hit.ChunkID] = true
		state.sources = append(state.sources, Source{
			ChunkID:       hit.ChunkID,
			DocumentID:    hit.DocumentID,
			HierarchyPath: hit.HierarchyPath,
			Collection:    hit.Collection,
			Score:         hit.Score,
		})
	}
}

// verifyDraft grades the draft. It returns true when the loop should
// generate again with the verifier's feedback injected.
func (a *Agent) verifyDraft(ctx context.Context, state *turnState, emit func(Event) bool, draft string) (bool, error) {
	if a.deps.Verifier == nil || !enabled(a.flags.Verifier) {
		return false, nil
	}

	evidence := make([]string, 0, len(state.executed))
	keys := make([]string, 0, len(state.executed))
	for key := range state.executed {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		evidence = append(evidence, state.executed[key])
	}

	verdict, err := a.deps.Verifier.Verify(ctx, state.req.Query, draft, evidence)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false, err
		}
		a.log.Warn("verification errored, accepting draft", "error", err)
		return false, nil
	}
	state.verdict = verdict

	if verdict.Status == verify.StatusFail && state.steps < a.cfg.StepBudget && !state.truncated {
		state.steps++
		state.feedback = verdict.Reasoning
		emit(metadataEvent(map[string]any{
			"verification": verdict,
			"retrying":     true,
		}))
		return true, nil
	}
	return false, nil
}

// finalize emits the envelope, persists the assistant turn, and kicks
// off post-turn memory work.
func (a *Agent) finalize(ctx context.Context, state *turnState, emit func(Event) bool, answer string) error {
	md := map[string]any{
		"conversation_id": state.req.ConversationID,
		"sources":         state.sources,
		"steps":           state.steps,
	}
	if state.routeUsed != "" {
		md["route_used"] = state.routeUsed
	}
	if state.modelChain != nil {
		md["model_chain"] = state.modelChain
	}
	if state.truncated {
		md["truncated"] = true
	}
	if state.verdict != nil {
		md["verification"] = state.verdict
		if state.verdict.Status != verify.StatusPass {
			md["low_confidence"] = true
		}
	}
	emit(metadataEvent(md))

	turnMD := map[string]any{}
	if state.truncated {
		turnMD["truncated"] = true
	}
	if state.verdict != nil {
		turnMD["verification"] = state.verdict.Status
	}
	if len(turnMD) == 0 {
		turnMD = nil
	}
	if _, err := a.deps.Conversations.AppendTurn(ctx, &session.Turn{
		ConversationID: state.req.ConversationID,
		Role:           session.RoleAssistant,
		Content:        answer,
		Metadata:       turnMD,
	}); err != nil {
		return fmt.Errorf("failed to persist assistant turn: %w", err)
	}

	a.saveScratchpad(ctx, state)
	a.postTurn(state.req, answer)
	return nil
}

// restoreScratchpad seeds the tool dedup cache from the conversation's
// ephemeral session, so a follow-up turn reuses observations the
// previous turn already paid for. The store is Redis under a TTL;
// misses and failures just start the turn cold.
func (a *Agent) restoreScratchpad(ctx context.Context, state *turnState) {
	if a.deps.Sessions == nil {
		return
	}
	sess, err := a.deps.Sessions.Get(ctx, state.req.ConversationID)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			a.log.Warn("scratchpad load failed", "conversation", state.req.ConversationID, "error", err)
		}
		return
	}
	observations, _ := sess.Scratchpad["observations"].(map[string]any)
	for key, v := range observations {
		if text, ok := v.(string); ok {
			state.executed[key] = text
		}
	}
}

// saveScratchpad writes the turn's observations back. Best-effort: the
// scratchpad is never treated as durable.
func (a *Agent) saveScratchpad(ctx context.Context, state *turnState) {
	if a.deps.Sessions == nil || len(state.executed) == 0 {
		return
	}
	observations := make(map[string]any, len(state.executed))
	for key, text := range state.executed {
		observations[key] = text
	}
	err := a.deps.Sessions.Update(ctx, &session.Session{
		ID:             state.req.ConversationID,
		ConversationID: state.req.ConversationID,
		UserID:         state.req.UserID,
		Scratchpad:     map[string]any{"observations": observations},
	})
	if err != nil {
		a.log.Warn("scratchpad save failed", "conversation", state.req.ConversationID, "error", err)
	}
}

// postTurn runs fact extraction and summarization off the request
// path. Failures are logged, never surfaced.
func (a *Agent) postTurn(req Request, answer string) {
	if !enabled(a.flags.MemoryExtraction) {
		return
	}
	if a.deps.Extractor == nil && a.deps.Summarizer == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if a.deps.Extractor != nil {
			if _, err := a.deps.Extractor.Extract(ctx, req.UserID, req.Query, answer); err != nil {
				a.log.Warn("post-turn extraction failed", "error", err)
			}
		}
		if a.deps.Summarizer != nil {
			if err := a.deps.Summarizer.Update(ctx, req.ConversationID, req.Query, answer); err != nil {
				a.log.Warn("post-turn summarization failed", "error", err)
			}
		}
	}()
}

// shortCircuit answers without any model or tool call: fixed refusals
// and identity questions. The exchange is still persisted.
func (a *Agent) shortCircuit(ctx context.Context, state *turnState, emit func(Event) bool, answer, reason string) error {
	if _, err := a.deps.Conversations.AppendTurn(ctx, &session.Turn{
		ConversationID: state.req.ConversationID,
		Role:           session.RoleUser,
		Content:        state.req.Query,
	}); err != nil {
		return fmt.Errorf("failed to persist user turn: %w", err)
	}

	if !emit(tokenEvent(answer)) {
		return ctx.Err()
	}
	emit(metadataEvent(map[string]any{
		"conversation_id": state.req.ConversationID,
		"prefilter":       reason,
		"sources":         []Source{},
		"steps":           0,
	}))

	if _, err := a.deps.Conversations.AppendTurn(ctx, &session.Turn{
		ConversationID: state.req.ConversationID,
		Role:           session.RoleAssistant,
		Content:        answer,
		Metadata:       map[string]any{"prefilter": reason},
	}); err != nil {
		return fmt.Errorf("failed to persist assistant turn: %w", err)
	}
	return nil
}

// identityAnswer renders what the service knows about the user.
func identityAnswer(uc *memory.UserContext) string {
	if uc == nil || uc.Anonymous {
		return "I don't have a profile for you yet. Tell me about your situation — visa status, company plans — and I'll remember it for next time."
	}
	block := strings.TrimPrefix(uc.Block, "### USER CONTEXT\n")
	return "Here is what I know about you:\n\n" + block
}

// persistTerminal records the failed turn's audit trail. Cancellation
// before any output persists no assistant turn.
func (a *Agent) persistTerminal(ctx context.Context, state *turnState, err error) {
	kind := Classify(err)
	a.log.Warn("turn terminated", "conversation", state.req.ConversationID, "kind", string(kind), "error", err)

	if state.emitted {
		// Persist with a background context: the request context is
		// typically already cancelled.
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		status := "error"
		if kind == ErrKindCancelled {
			status = "cancelled"
		}
		if _, perr := a.deps.Conversations.AppendTurn(persistCtx, &session.Turn{
			ConversationID: state.req.ConversationID,
			Role:           session.RoleAssistant,
			Content:        "",
			Metadata:       map[string]any{"terminal": status, "error_kind": string(kind)},
		}); perr != nil {
			a.log.Warn("failed to persist terminal turn", "error", perr)
		}
	}
}

// canonicalCall keys a tool call by name plus canonicalized args.
// json.Marshal sorts map keys, so argument order never splits the key.
func canonicalCall(call *llms.ToolCall) string {
	args, err := json.Marshal(call.Args)
	if err != nil {
		args = []byte(fmt.Sprintf("%v", call.Args))
	}
	return call.Name + ":" + string(args)
}

func enabled(flag *bool) bool {
	return flag != nil && *flag
}
