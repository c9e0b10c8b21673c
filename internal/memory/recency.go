// Package memory implements pipeline.MemoryStore: an in-process recency
// store used by default, and a Postgres/pgvector store for deployments that
// need semantic recall across sessions.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/duplexvoice/voiceloop/internal/pipeline"
)

type turnRecord struct {
	userText      string
	assistantText string
	at            time.Time
}

// RecencyStore is the default pipeline.MemoryStore: it keeps the last N
// turns per user in memory and ranks Search results by keyword overlap, most
// recent first on ties. It is lost on process restart.
type RecencyStore struct {
	mu         sync.Mutex
	byUser     map[string][]turnRecord
	maxPerUser int
}

// NewRecencyStore builds a store retaining up to maxPerUser turns per user.
func NewRecencyStore(maxPerUser int) *RecencyStore {
	if maxPerUser <= 0 {
		maxPerUser = 50
	}
	return &RecencyStore{byUser: make(map[string][]turnRecord), maxPerUser: maxPerUser}
}

func (r *RecencyStore) RecordTurn(ctx context.Context, userID, userText, assistantText string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := append(r.byUser[userID], turnRecord{userText: userText, assistantText: assistantText, at: time.Now()})
	if len(records) > r.maxPerUser {
		records = records[len(records)-r.maxPerUser:]
	}
	r.byUser[userID] = records
	return nil
}

// Search returns the limit most relevant turns for userID, scored by the
// number of query keywords each turn's text contains; recency breaks ties.
// An empty queryText returns the most recent turns.
func (r *RecencyStore) Search(ctx context.Context, queryText, userID string, limit int) ([]pipeline.Snippet, error) {
	if limit <= 0 {
		return nil, nil
	}

	r.mu.Lock()
	records := append([]turnRecord(nil), r.byUser[userID]...)
	r.mu.Unlock()

	keywords := keywordSet(queryText)

	type scored struct {
		snippet pipeline.Snippet
		at      time.Time
		score   float64
	}
	out := make([]scored, 0, len(records))
	for _, rec := range records {
		text := rec.userText + "\n" + rec.assistantText
		score := 0.0
		if len(keywords) == 0 {
			score = 1.0
		} else {
			lower := strings.ToLower(text)
			for kw := range keywords {
				if strings.Contains(lower, kw) {
					score++
				}
			}
			if score == 0 {
				continue
			}
			score /= float64(len(keywords))
		}
		out = append(out, scored{snippet: pipeline.Snippet{Text: text, Score: score}, at: rec.at, score: score})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].at.After(out[j].at)
	})

	if len(out) > limit {
		out = out[:limit]
	}
	results := make([]pipeline.Snippet, len(out))
	for i, s := range out {
		results[i] = s.snippet
	}
	return results, nil
}

func keywordSet(query string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(query))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		set[f] = struct{}{}
	}
	return set
}
