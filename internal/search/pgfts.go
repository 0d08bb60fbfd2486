package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
// Titles are matched through the indexed search_tsv column; entry bodies
// are matched with an on-the-fly tsvector, acceptable at fallback scale.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

const pgftsAccessClause = `(n.user_id = $2 OR n.collaborators @> jsonb_build_array(jsonb_build_object('user_id', $2::text)))`

func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	const tsQuery = "plainto_tsquery('english', $1)"
	matchClause := fmt.Sprintf(`(n.search_tsv @@ %s OR e.content IS NOT NULL)`, tsQuery)

	fromClause := fmt.Sprintf(`
		FROM notes n
		LEFT JOIN LATERAL (
			SELECT content FROM note_entries ne
			WHERE ne.note_id = n.id AND to_tsvector('english', ne.content) @@ %s
			ORDER BY ne.entry_order
			LIMIT 1
		) e ON true
		WHERE %s AND %s`, tsQuery, pgftsAccessClause, matchClause)

	args := []any{q.Text, q.UserID}

	ctx := context.Background()

	var total int
	countSQL := "SELECT count(*) " + fromClause
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT n.id, n.title,
			ts_headline('english', coalesce(e.content, n.title), %s, 'MaxFragments=1,MaxWords=30') AS snippet
		%s
		ORDER BY ts_rank(n.search_tsv || to_tsvector('english', coalesce(e.content, '')), %s) DESC
		LIMIT %d OFFSET %d`, tsQuery, fromClause, tsQuery, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every note as an indexable record for full
// reindexing into Meilisearch.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]NoteRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT n.id, n.title, n.user_id,
			coalesce((SELECT string_agg(ne.content, ' ' ORDER BY ne.entry_order)
				FROM note_entries ne WHERE ne.note_id = n.id), ''),
			coalesce((SELECT jsonb_agg(c->>'user_id')
				FROM jsonb_array_elements(n.collaborators) c), '[]'::jsonb)
		FROM notes n
	`)
	if err != nil {
		return nil, fmt.Errorf("load notes: %w", err)
	}
	defer rows.Close()

	records := make([]NoteRecord, 0)
	for rows.Next() {
		var record NoteRecord
		var collaboratorIDs []byte
		if err := rows.Scan(&record.ID, &record.Title, &record.OwnerID, &record.EntryText, &collaboratorIDs); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		if err := json.Unmarshal(collaboratorIDs, &record.CollaboratorIDs); err != nil {
			return nil, fmt.Errorf("decode collaborator ids for %s: %w", record.ID, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}

	return records, nil
}
