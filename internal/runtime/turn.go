package runtime

import (
	"context"
	"strings"
	"time"

	"github.com/drostlabs/drost/internal/events"
	"github.com/drostlabs/drost/internal/lanes"
	"github.com/drostlabs/drost/internal/observability"
	"github.com/drostlabs/drost/internal/providers"
	"github.com/drostlabs/drost/internal/sessions"
	"github.com/drostlabs/drost/internal/tools"
)

// TurnInput is one submission into a session.
type TurnInput struct {
	SessionID string
	Input     string
	// ImageRefs are media-store refs attached to the user message.
	ImageRefs []string
	OnEvent   func(events.Event)
}

// RunSessionTurn executes one turn, serialized through the session's lane
// when orchestration is enabled. Image refs park in a per-session stash so
// lane admission stays a plain string submission.
func (r *Runtime) RunSessionTurn(ctx context.Context, in TurnInput) (lanes.Result, error) {
	if r.lanes == nil {
		return r.executeTurn(ctx, in)
	}
	if len(in.ImageRefs) > 0 {
		r.stashImages(in.SessionID, in.ImageRefs)
	}
	return r.lanes.Submit(ctx, in.SessionID, in.Input, in.OnEvent)
}

// runTurn is the lane runner: lanes re-enter the executor here after
// admission.
func (r *Runtime) runTurn(ctx context.Context, sessionID, input string, onEvent func(events.Event)) (lanes.Result, error) {
	return r.executeTurn(ctx, TurnInput{
		SessionID: sessionID,
		Input:     input,
		ImageRefs: r.takeImages(sessionID),
		OnEvent:   onEvent,
	})
}

// executeTurn is the six-step turn pipeline: resolve + promote pending
// provider, beforeTurn, append user message, provider RunTurn behind the
// folding event adapter, afterTurn, persist.
func (r *Runtime) executeTurn(ctx context.Context, in TurnInput) (lanes.Result, error) {
	started := time.Now()

	rec, err := r.EnsureSession(in.SessionID, EnsureOptions{})
	if err != nil {
		return lanes.Result{}, err
	}

	// Promote a staged provider switch before any event is emitted.
	if rec.PendingProviderID != "" {
		rec.ActiveProviderID = rec.PendingProviderID
		rec.PendingProviderID = ""
	}
	providerID := rec.ActiveProviderID

	input, err := r.agent.BeforeTurn(ctx, in.SessionID, in.Input)
	if err != nil {
		return lanes.Result{}, err
	}

	rec.History = append(rec.History, sessions.Message{
		Role:      sessions.RoleUser,
		Content:   input,
		ImageRefs: in.ImageRefs,
	})
	rec.Metadata.LastActivityAt = time.Now().UTC()
	if _, err := r.store.Save(rec); err != nil {
		return lanes.Result{}, err
	}
	r.store.MarkTurnInProgress(in.SessionID)
	defer r.store.ClearTurnInProgress(in.SessionID)

	if ms := r.cfg.Runtime.MaxTurnDurationMs; ms > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}

	ctx, turnSpan := r.tracer.StartTurn(ctx, in.SessionID, providerID)

	adapter := newEventAdapter(in.SessionID, providerID, in.OnEvent)
	turnErr := r.providers.RunTurn(ctx, providers.TurnRequest{
		ProviderID:           providerID,
		SessionID:            in.SessionID,
		Messages:             r.promptMessages(rec),
		InputImages:          in.ImageRefs,
		AvailableTools:       r.toolSpecs(),
		RunTool:              r.toolRunner(in.SessionID, providerID, adapter.emit),
		Emit:                 adapter.emit,
		ResolveInputImageRef: r.imageResolver(),
	})

	// A failed turn still persists whatever text accumulated, after a
	// terminal provider.error and a completed event carrying the partial
	// text.
	finalText := adapter.finalText()
	if turnErr != nil {
		if !adapter.sawError {
			adapter.emit(events.New(events.ProviderError, in.SessionID, providerID, events.ErrorPayload{
				Code:    providers.CodeOf(turnErr),
				Message: turnErr.Error(),
			}))
		}
		if !adapter.sawCompleted {
			adapter.emit(events.New(events.ResponseCompleted, in.SessionID, providerID, events.CompletedPayload{
				Text:       finalText,
				StopReason: "error",
			}))
		}
		finalText = adapter.finalText()
	}

	if finalText != "" {
		rec.History = append(rec.History, sessions.Message{Role: sessions.RoleAssistant, Content: finalText})
	}

	if err := r.agent.AfterTurn(ctx, in.SessionID, finalText); err != nil {
		r.logger.Warn("agent.after_turn.failed", "session", in.SessionID, "error", err)
		r.degrade("agent.afterTurn: " + err.Error())
	}

	rec.Metadata.LastActivityAt = time.Now().UTC()
	if _, err := r.store.Save(rec); err != nil {
		r.tracer.EndTurn(turnSpan, time.Since(started), adapter.usage.PromptTokens, adapter.usage.CompletionTokens)
		return lanes.Result{}, err
	}
	if err := r.store.Flush(in.SessionID); err != nil {
		r.logger.Warn("session.flush.failed", "session", in.SessionID, "error", err)
	}

	duration := time.Since(started)
	r.tracer.EndTurn(turnSpan, duration, adapter.usage.PromptTokens, adapter.usage.CompletionTokens)
	if adapter.usage.TotalTokens > 0 {
		r.sinks.Usage(usageEvent(in.SessionID, providerID, adapter.usage))
	}
	r.notify("session.turn", map[string]interface{}{
		"sessionId":  in.SessionID,
		"providerId": providerID,
		"durationMs": duration.Milliseconds(),
		"inputChars": len(input),
		"replyChars": len(finalText),
		"ok":         turnErr == nil,
	})

	return lanes.Result{SessionID: in.SessionID, ProviderID: providerID, Response: finalText}, turnErr
}

// promptMessages projects history into provider messages, prefixed with the
// agent system prompt.
func (r *Runtime) promptMessages(rec *sessions.Record) []providers.Message {
	msgs := make([]providers.Message, 0, len(rec.History)+1)
	if prompt := r.agent.Prompt(); prompt != "" {
		msgs = append(msgs, providers.Message{Role: sessions.RoleSystem, Content: prompt})
	}
	for _, m := range rec.History {
		msgs = append(msgs, providers.Message{Role: m.Role, Content: m.Content})
	}
	return msgs
}

func (r *Runtime) toolSpecs() []providers.ToolSpec {
	if r.tools == nil {
		return nil
	}
	specs := r.tools.Specs()
	out := make([]providers.ToolSpec, 0, len(specs))
	for _, s := range specs {
		out = append(out, providers.ToolSpec{Name: s.Name, Description: s.Description, Parameters: s.Parameters})
	}
	return out
}

func (r *Runtime) imageResolver() providers.ImageResolver {
	if r.media == nil {
		return nil
	}
	return func(ctx context.Context, ref string) (providers.ImageContent, error) {
		mime, b64, err := r.media.Resolve(ref)
		if err != nil {
			return providers.ImageContent{}, err
		}
		return providers.ImageContent{MimeType: mime, DataBase64: b64}, nil
	}
}

// toolRunner wraps registry execution with the started/completed event
// pair, session log appends, traces, and spans.
func (r *Runtime) toolRunner(sessionID, providerID string, emit func(events.Event)) func(context.Context, providers.ToolCall) providers.ToolResult {
	return func(ctx context.Context, call providers.ToolCall) providers.ToolResult {
		startedPayload := events.ToolCallPayload{CallID: call.ID, Name: call.Name, Input: call.Input}
		emit(events.New(events.ToolCallStarted, sessionID, providerID, startedPayload))
		r.appendSessionEvent(sessionID, events.ToolCallStarted, startedPayload)

		ctx, span := r.tracer.StartTool(ctx, call.Name)
		began := time.Now()
		out := r.tools.Execute(ctx, call.Name, call.Input, &tools.Context{
			WorkspaceDir: r.cfg.WorkspaceDir,
			MutableRoots: r.cfg.ToolPolicy.MutableRoots,
			SessionID:    sessionID,
			ProviderID:   providerID,
		})
		duration := time.Since(began)
		r.tracer.EndTool(span, out.OK, duration)

		ok := out.OK
		completedPayload := events.ToolCallPayload{
			CallID:     call.ID,
			Name:       call.Name,
			OK:         &ok,
			Code:       out.Code,
			Error:      out.Error,
			DurationMs: duration.Milliseconds(),
		}
		emit(events.New(events.ToolCallCompleted, sessionID, providerID, completedPayload))
		r.appendSessionEvent(sessionID, events.ToolCallCompleted, completedPayload)

		content := out.Content()
		r.sinks.ToolTrace(toolTrace(sessionID, providerID, call.Name, out.OK, out.Code, duration, len(call.Input), len(content)))

		return providers.ToolResult{Content: content, IsError: !out.OK}
	}
}

func usageEvent(sessionID, providerID string, u events.UsagePayload) observability.UsageEvent {
	return observability.UsageEvent{
		Timestamp:        time.Now().UTC(),
		SessionID:        sessionID,
		ProviderID:       providerID,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func toolTrace(sessionID, providerID, tool string, ok bool, code string, duration time.Duration, inBytes, outBytes int) observability.ToolTrace {
	return observability.ToolTrace{
		Timestamp:   time.Now().UTC(),
		SessionID:   sessionID,
		ProviderID:  providerID,
		Tool:        tool,
		OK:          ok,
		Code:        code,
		DurationMs:  duration.Milliseconds(),
		InputBytes:  inBytes,
		OutputBytes: outBytes,
	}
}

func (r *Runtime) appendSessionEvent(sessionID, eventType string, payload interface{}) {
	if err := r.store.AppendEvent(sessionID, eventType, payload); err != nil {
		r.logger.Warn("session.append_event.failed", "session", sessionID, "type", eventType, "error", err)
	}
}

// eventAdapter folds cumulative deltas into net-new suffixes and tracks the
// turn's terminal state.
type eventAdapter struct {
	sessionID  string
	providerID string
	downstream func(events.Event)

	folder        events.Folder
	usage         events.UsagePayload
	completedText string
	sawCompleted  bool
	sawError      bool
}

func newEventAdapter(sessionID, providerID string, downstream func(events.Event)) *eventAdapter {
	return &eventAdapter{sessionID: sessionID, providerID: providerID, downstream: downstream}
}

func (a *eventAdapter) emit(ev events.Event) {
	switch ev.Type {
	case events.ResponseDelta:
		d, _ := ev.Delta()
		net := a.folder.Fold(d.Text)
		if net == "" {
			return
		}
		ev = events.New(events.ResponseDelta, a.sessionID, a.providerID, events.DeltaPayload{Text: net})
	case events.UsageUpdated:
		if u, ok := ev.Usage(); ok {
			a.usage = u
		}
	case events.ResponseCompleted:
		if c, ok := ev.Completed(); ok {
			a.completedText = c.Text
		}
		a.sawCompleted = true
	case events.ProviderError:
		a.sawError = true
	}
	if a.downstream != nil {
		a.downstream(ev)
	}
}

// finalText prefers the completed payload; a turn cut short falls back to
// the folded delta accumulation.
func (a *eventAdapter) finalText() string {
	if a.sawCompleted && a.completedText != "" {
		return a.completedText
	}
	return a.folder.Text()
}

// Identity names one channel conversation.
type Identity struct {
	Channel     string
	WorkspaceID string
	ChatID      string
	UserID      string
	ThreadID    string
}

// Slug derives the deterministic session id for this identity.
func (id Identity) Slug() string {
	parts := []string{id.Channel}
	for _, p := range []string{id.WorkspaceID, id.ChatID, id.UserID, id.ThreadID} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	slug := strings.Join(parts, "-")
	slug = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, slug)
	return slug
}

// RunChannelTurn resolves a channel identity to its sticky session and runs
// the turn through the lane.
func (r *Runtime) RunChannelTurn(ctx context.Context, identity Identity, input string, imageRefs []string, onEvent func(events.Event)) (lanes.Result, error) {
	sessionID := identity.Slug()
	origin := &sessions.Origin{
		Channel:     identity.Channel,
		WorkspaceID: identity.WorkspaceID,
		ChatID:      identity.ChatID,
		UserID:      identity.UserID,
		ThreadID:    identity.ThreadID,
	}
	if _, err := r.EnsureSession(sessionID, EnsureOptions{Origin: origin}); err != nil {
		return lanes.Result{}, err
	}
	return r.RunSessionTurn(ctx, TurnInput{SessionID: sessionID, Input: input, ImageRefs: imageRefs, OnEvent: onEvent})
}
