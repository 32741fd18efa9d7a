package search

import (
	"context"
	"strings"

	"github.com/charmbracelet/log"

	"ofiz/api/internal/store"
)

const reindexBatch = 500

type indexBackend interface {
	Searcher
	IndexMessages(records []MessageRecord) error
}

type messageSource interface {
	ListAllMessages(ctx context.Context, fn func(store.Message, store.Conversation) error) error
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	primary  indexBackend
	fallback Searcher
	source   messageSource
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, source messageSource) *Service {
	s := &Service{source: source}
	if meili != nil {
		s.primary = meili
	}
	if pgfts != nil {
		s.fallback = pgfts
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS. Failures yield an empty response.
func (s *Service) Search(ctx context.Context, q Query) Response {
	q.Text = strings.TrimSpace(q.Text)
	empty := Response{Results: []Result{}, Total: 0, Query: q.Text}
	if q.Text == "" || q.ViewerID == "" {
		return empty
	}

	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Warn("meilisearch error, falling back to postgres", "err", err)
	}

	if s.fallback == nil {
		return empty
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Error("postgres search", "err", err)
		return empty
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexMessage pushes a persisted message to Meilisearch without blocking the sender.
func (s *Service) IndexMessage(msg store.Message, conv store.Conversation) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	record, ok := RecordFromMessage(msg, conv)
	if !ok {
		return
	}
	go func() {
		if err := s.primary.IndexMessages([]MessageRecord{record}); err != nil {
			log.Warn("index message", "message", record.ID, "err", err)
		}
	}()
}

// ReindexAllFromPG streams every stored message into Meilisearch in batches.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.primary == nil || !s.primary.Healthy() || s.source == nil {
		return
	}

	batch := make([]MessageRecord, 0, reindexBatch)
	indexed := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.primary.IndexMessages(batch); err != nil {
			return err
		}
		indexed += len(batch)
		batch = batch[:0]
		return nil
	}

	err := s.source.ListAllMessages(ctx, func(msg store.Message, conv store.Conversation) error {
		record, ok := RecordFromMessage(msg, conv)
		if !ok {
			return nil
		}
		batch = append(batch, record)
		if len(batch) >= reindexBatch {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		log.Error("search reindex failed", "indexed", indexed, "err", err)
		return
	}
	log.Info("search reindex complete", "messages", indexed)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
