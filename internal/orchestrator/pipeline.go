package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kestrel-ai/kestrel/internal/agent"
	"github.com/kestrel-ai/kestrel/internal/debounce"
	"github.com/kestrel-ai/kestrel/internal/providers"
	"github.com/kestrel-ai/kestrel/internal/sessions"
	"github.com/kestrel-ai/kestrel/pkg/models"
)

// Deliverer sends a reply back out over the channel a message arrived
// on. HTTP replies do not go through it: the orchestrator resolves the
// message's ResponseFuture itself.
type Deliverer interface {
	Deliver(ctx context.Context, msg *models.InboundMessage, reply string) error
}

// AttachmentProcessor turns raw attachments into extracted text
// (OCR/transcription/document extraction), or marks them Oversized
// when they exceed configured limits.
type AttachmentProcessor interface {
	Process(ctx context.Context, att *models.Attachment) error
}

// ContextBuilder assembles the system prompt and provider message
// history for one turn (spec's Context Builder component): system
// prompt, memory recall blocks, and session transcript. query is the
// just-appended user turn's text, used to drive recall.
type ContextBuilder interface {
	Build(ctx context.Context, query string, snap models.StateSnapshot) (system string, history []providers.Message, err error)
}

// Config tunes orchestrator-wide behavior.
type Config struct {
	SilenceToken string
	Debounce     debounce.Config
	SystemPrompt string
}

// Orchestrator wires debounced inbound messages through session
// lookup, attachment processing, the agentic loop, and delivery.
type Orchestrator struct {
	cfg        Config
	store      sessions.Store
	loopFor    func(source models.Source) *agent.Loop
	ctxBuilder ContextBuilder
	deliverer  Deliverer
	attachProc AttachmentProcessor
	debouncer  *debounce.Debouncer[models.InboundMessage]
	logger     *slog.Logger

	// per-sender serialization: only one Run executes for a given
	// session at a time, so messages are never processed out of order
	// relative to their debounced arrival.
	locks sessionLocks
}

// New builds an Orchestrator. loopFor resolves the agentic Loop to use
// for a given inbound source (callers typically close over a
// source→profile routing table, see internal/config.LLMConfig).
// ctxBuilder may be nil, in which case the plain configured system
// prompt and raw transcript are used with no memory recall.
func New(cfg Config, store sessions.Store, loopFor func(models.Source) *agent.Loop, ctxBuilder ContextBuilder, deliverer Deliverer, attachProc AttachmentProcessor, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{cfg: cfg, store: store, loopFor: loopFor, ctxBuilder: ctxBuilder, deliverer: deliverer, attachProc: attachProc, logger: logger}
	o.debouncer = debounce.New[models.InboundMessage](
		debounce.WithBuildKey[models.InboundMessage](func(m *models.InboundMessage) string {
			return string(m.Source) + "|" + m.SenderID
		}),
		debounce.WithOnFlush[models.InboundMessage](o.flush),
		debounce.WithOnError[models.InboundMessage](func(err error) {
			if o.logger != nil {
				o.logger.Error("orchestrator: flush panicked", "error", err)
			}
		}),
	)
	return o
}

// Submit enqueues an inbound message for debounced processing.
func (o *Orchestrator) Submit(msg models.InboundMessage) {
	msg.QuotedText = TruncateQuote(msg.QuotedText)
	o.debouncer.Enqueue(&msg)
}

// flush is the debouncer's flush callback: it coalesces a batch of
// messages from one sender into a single turn.
func (o *Orchestrator) flush(key string, items []*models.InboundMessage) {
	if len(items) == 0 {
		return
	}
	ctx := context.Background()
	unlock := o.locks.Lock(key)
	defer unlock()

	first := items[0]
	combined := combineText(items)

	sess, err := o.store.GetOrCreate(ctx, first.SenderID, first.Source)
	if err != nil {
		o.logf("get_or_create_session_failed", err)
		o.resolveFutures(items, "", fmt.Errorf("session unavailable"))
		return
	}

	for _, m := range items {
		for i := range m.Attachments {
			if o.attachProc != nil {
				if err := o.attachProc.Process(ctx, &m.Attachments[i]); err != nil {
					m.Attachments[i].Oversized = true
					m.Attachments[i].ExtractedText = "[attachment processing failed]"
				}
			}
		}
	}

	// Consume any warning left pending by a prior turn's post-processing
	// (sessions.ShouldWarn/PendingWarning, evaluated in AppendMessage)
	// BEFORE this turn's message is appended: it is prepended onto the
	// outgoing user text itself, and the flag is cleared immediately so
	// it is surfaced exactly once, never re-sent on a later turn.
	snapBefore, err := o.store.Snapshot(ctx, sess.ID)
	if err != nil {
		o.logf("snapshot_failed", err)
		o.resolveFutures(items, "", err)
		return
	}
	pendingWarning := snapBefore.Warning
	if pendingWarning != "" {
		if err := o.store.ClearWarning(ctx, sess.ID); err != nil {
			o.logf("clear_warning_failed", err)
		}
	}
	combined = PrependWarning(pendingWarning, combined)

	userMsg := models.Message{
		ID:        fmt.Sprintf("%s-%d", sess.ID, time.Now().UnixNano()),
		SessionID: sess.ID,
		Role:      models.RoleUser,
		Content:   combined,
		CreatedAt: time.Now(),
	}
	if err := o.store.AppendMessage(ctx, sess.ID, userMsg); err != nil {
		o.logf("append_inbound_failed", err)
		o.resolveFutures(items, "", err)
		return
	}

	snap, err := o.store.Snapshot(ctx, sess.ID)
	if err != nil {
		o.logf("snapshot_failed", err)
		o.resolveFutures(items, "", err)
		return
	}

	loop := o.loopFor(first.Source)

	system, history, err := o.buildContext(ctx, combined, snap)
	if err != nil {
		o.logf("build_context_failed", err)
		o.resolveFutures(items, "", err)
		return
	}

	reply, _, err := loop.Run(ctx, system, history)
	if err != nil {
		o.resolveFutures(items, "", err)
		return
	}

	assistantMsg := models.Message{
		ID:        fmt.Sprintf("%s-%d-reply", sess.ID, time.Now().UnixNano()),
		SessionID: sess.ID,
		Role:      models.RoleAssistant,
		Content:   reply,
		CreatedAt: time.Now(),
	}
	if err := o.store.AppendMessage(ctx, sess.ID, assistantMsg); err != nil {
		o.logf("append_reply_failed", err)
	}

	if ShouldRoute(first.Source, reply, o.cfg.SilenceToken) {
		for _, m := range items {
			if err := o.deliverer.Deliver(ctx, m, reply); err != nil {
				o.logf("deliver_failed", err)
			}
		}
	}
	o.resolveFutures(items, reply, nil)

	if ShouldAutoClose(first.Source) {
		if err := o.store.Close(ctx, sess.ID); err != nil {
			o.logf("auto_close_failed", err)
		}
	}
}

func (o *Orchestrator) resolveFutures(items []*models.InboundMessage, reply string, err error) {
	for _, m := range items {
		if m.Future != nil {
			m.Future.Resolve(models.InboundReply{Text: reply, Err: err})
		}
	}
}

func combineText(items []*models.InboundMessage) string {
	if len(items) == 1 {
		return renderOne(items[0])
	}
	out := ""
	for _, m := range items {
		out += renderOne(m) + "\n"
	}
	return out
}

func renderOne(m *models.InboundMessage) string {
	text := m.Text
	if m.QuotedText != "" {
		text = fmt.Sprintf("[replying to: %s]\n%s", m.QuotedText, text)
	}
	for _, a := range m.Attachments {
		if a.ExtractedText != "" {
			text += fmt.Sprintf("\n[attachment %s]: %s", a.Filename, a.ExtractedText)
		}
	}
	return text
}

// buildContext delegates to the configured ContextBuilder when one is
// set, otherwise falls back to the plain configured system prompt and
// an unadorned rendering of the transcript (no memory recall).
func (o *Orchestrator) buildContext(ctx context.Context, query string, snap models.StateSnapshot) (string, []providers.Message, error) {
	if o.ctxBuilder != nil {
		return o.ctxBuilder.Build(ctx, query, snap)
	}
	return o.cfg.SystemPrompt, snapshotToProviderMessages(snap), nil
}

func snapshotToProviderMessages(snap models.StateSnapshot) []providers.Message {
	out := make([]providers.Message, 0, len(snap.Messages))
	for _, m := range snap.Messages {
		out = append(out, providers.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func (o *Orchestrator) logf(event string, err error) {
	if o.logger != nil {
		o.logger.Error("orchestrator: "+event, "error", err)
	}
}

// Shutdown stops the debouncer, draining no further flushes.
func (o *Orchestrator) Shutdown() {
	o.debouncer.Stop()
}
