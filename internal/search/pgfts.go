package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sqlx.DB
}

func NewPgFTS(db *sqlx.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

type pgHit struct {
	MessageID      string    `db:"id"`
	ConversationID string    `db:"conversation_id"`
	SenderID       string    `db:"sender_id"`
	Snippet        string    `db:"snippet"`
	CreatedAt      time.Time `db:"created_at"`
	Total          int       `db:"total"`
}

// Search matches messages.search_vector with plainto_tsquery, restricted to the viewer's conversations.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || q.ViewerID == "" {
		return []Result{}, 0, nil
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	args := []any{q.Text, q.ViewerID}
	where := "m.search_vector @@ tsq AND (c.client_id = $2::uuid OR c.professional_id = $2::uuid)"
	if q.ConversationID != "" {
		args = append(args, q.ConversationID)
		where += " AND m.conversation_id = $3::uuid"
	}

	query := fmt.Sprintf(`
		SELECT m.id, m.conversation_id, m.sender_id,
			ts_headline('simple', m.content, tsq, 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>') AS snippet,
			m.created_at,
			count(*) OVER () AS total
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		CROSS JOIN plainto_tsquery('simple', $1) tsq
		WHERE %s
		ORDER BY ts_rank(m.search_vector, tsq) DESC, m.created_at DESC
		LIMIT %d OFFSET %d`, where, normalizeLimit(q.Limit), offset)

	var hits []pgHit
	if err := p.db.SelectContext(ctx, &hits, query, args...); err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}

	results := make([]Result, 0, len(hits))
	total := 0
	for _, hit := range hits {
		total = hit.Total
		results = append(results, Result{
			MessageID:      hit.MessageID,
			ConversationID: hit.ConversationID,
			SenderID:       hit.SenderID,
			Snippet:        hit.Snippet,
			CreatedAt:      hit.CreatedAt,
		})
	}
	return results, total, nil
}
