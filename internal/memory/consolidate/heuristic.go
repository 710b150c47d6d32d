package consolidate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel-ai/kestrel/internal/memory/structured"
	"github.com/kestrel-ai/kestrel/internal/sessions"
	"github.com/kestrel-ai/kestrel/pkg/models"
)

// AllSessionsSource walks every known session once, in ID order,
// treating the structured store's single global cursor as "the last
// session ID fully consolidated" — every session whose ID sorts after
// the cursor is new. This keeps the whole daemon's consolidation state
// behind one cursor row rather than one per session, matching how the
// structured store's consolidation_state table is laid out. It is
// shared by the daemon's hook-triggered consolidation and the
// standalone kestrel-consolidator command.
type AllSessionsSource struct {
	Store      sessions.Store
	lastSeenID string
}

// NewAllSessionsSource builds a SessionSource over every session known
// to store.
func NewAllSessionsSource(store sessions.Store) *AllSessionsSource {
	return &AllSessionsSource{Store: store}
}

func (a *AllSessionsSource) MessagesSince(ctx context.Context, cursor string) ([]models.Message, string, error) {
	allSessions, err := a.Store.List(ctx)
	if err != nil {
		return nil, cursor, err
	}
	sort.Slice(allSessions, func(i, j int) bool { return allSessions[i].ID < allSessions[j].ID })

	var messages []models.Message
	newCursor := cursor
	for _, sess := range allSessions {
		if sess.ID <= cursor {
			continue
		}
		msgs, err := a.Store.History(ctx, sess.ID, 500)
		if err != nil {
			return nil, newCursor, err
		}
		messages = append(messages, msgs...)
		newCursor = sess.ID
	}
	a.lastSeenID = newCursor
	return messages, newCursor, nil
}

// LastSeenID reports the most recent session id folded into a batch by
// the last MessagesSince call.
func (a *AllSessionsSource) LastSeenID() string { return a.lastSeenID }

// HeuristicExtractor produces a ConsolidationBatch from raw message
// text without calling an LLM: it looks for simple "key: value" lines
// in user messages, treating them as candidate facts about the
// session, and records one episode per batch noting how many messages
// it consolidated. A production deployment would instead delegate extraction
// to an LLM call through internal/providers; this is the safe default
// that needs no provider credentials to exercise consolidation end to
// end.
type HeuristicExtractor struct{}

func (h *HeuristicExtractor) Extract(ctx context.Context, messages []models.Message) (structured.ConsolidationBatch, error) {
	var batch structured.ConsolidationBatch
	seenEntities := make(map[string]bool)

	for _, msg := range messages {
		if msg.Role != models.RoleUser {
			continue
		}
		entity := "session:" + msg.SessionID
		if !seenEntities[entity] {
			seenEntities[entity] = true
			batch.Aliases = append(batch.Aliases, models.EntityAlias{
				Alias:    msg.SessionID,
				EntityID: entity,
				AddedAt:  msg.CreatedAt,
			})
		}

		for _, line := range strings.Split(msg.Content, "\n") {
			key, value, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			key, value = strings.TrimSpace(key), strings.TrimSpace(value)
			if key == "" || value == "" || strings.ContainsAny(key, " \t") {
				continue
			}
			batch.Facts = append(batch.Facts, models.Fact{
				ID:         uuid.NewString(),
				Entity:     entity,
				Attribute:  key,
				Value:      value,
				Confidence: 0.6,
				SourceText: line,
				CreatedAt:  msg.CreatedAt,
			})
		}
	}

	if len(messages) > 0 {
		batch.Episodes = append(batch.Episodes, models.Episode{
			ID:         uuid.NewString(),
			Summary:    fmt.Sprintf("Consolidated %d messages", len(messages)),
			OccurredAt: time.Now(),
		})
	}
	return batch, nil
}
