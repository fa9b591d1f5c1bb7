package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"history_server/core/domain"
	"history_server/core/port/out"
)

// HistoryRepository implements out.HistoryStore on Postgres.
type HistoryRepository struct {
	db *sqlx.DB
}

func NewHistoryRepository(db *sqlx.DB) out.HistoryStore {
	return &HistoryRepository{db: db}
}

const historyColumns = `id, owner_id, type, input, result, ts, session_id,
	       session_title, analysis_id, created_at, updated_at`

// =============================================================================
// History CRUD
// =============================================================================

func (r *HistoryRepository) Get(ctx context.Context, id, ownerID string) (*domain.AnalysisHistoryItem, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM analysis_history
		WHERE id = $1 AND owner_id = $2`, historyColumns)

	var row historyRow
	if err := r.db.GetContext(ctx, &row, query, id, ownerID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get history item: %w", err)
	}

	return row.toDomain(), nil
}

func (r *HistoryRepository) List(ctx context.Context, filter *domain.HistoryFilter) ([]*domain.AnalysisHistoryItem, error) {
	filter = filter.Normalize()

	var conditions []string
	var args []interface{}
	argIdx := 1

	conditions = append(conditions, fmt.Sprintf("owner_id = $%d", argIdx))
	args = append(args, filter.OwnerID)
	argIdx++

	if filter.Type != nil {
		conditions = append(conditions, fmt.Sprintf("type = $%d", argIdx))
		args = append(args, *filter.Type)
		argIdx++
	}

	whereClause := strings.Join(conditions, " AND ")

	orderBy := "ts DESC"
	switch filter.SortBy {
	case "timestamp":
		if filter.SortOrder == "asc" {
			orderBy = "ts ASC"
		}
	case "created_at":
		orderBy = "created_at DESC"
		if filter.SortOrder == "asc" {
			orderBy = "created_at ASC"
		}
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM analysis_history
		WHERE %s
		ORDER BY %s
		LIMIT $%d OFFSET $%d`,
		historyColumns, whereClause, orderBy, argIdx, argIdx+1)
	args = append(args, filter.Limit, filter.Offset)

	var rows []historyRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}

	items := make([]*domain.AnalysisHistoryItem, len(rows))
	for i, row := range rows {
		items[i] = row.toDomain()
	}
	return items, nil
}

func (r *HistoryRepository) Insert(ctx context.Context, item *domain.AnalysisHistoryItem, ownerID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if item.CreatedAt == "" {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	query := `
		INSERT INTO analysis_history (
			id, owner_id, type, input, result, ts, session_id,
			session_title, analysis_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			input = EXCLUDED.input, result = EXCLUDED.result,
			ts = EXCLUDED.ts, session_id = EXCLUDED.session_id,
			session_title = EXCLUDED.session_title,
			analysis_id = EXCLUDED.analysis_id,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		item.ID, ownerID, item.Type, item.Input, []byte(item.Result),
		item.Timestamp, nullable(item.SessionID), nullable(item.SessionTitle),
		nullable(item.AnalysisID), item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert history item: %w", err)
	}
	return nil
}

func (r *HistoryRepository) Update(ctx context.Context, id string, item *domain.AnalysisHistoryItem) error {
	item.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	query := `
		UPDATE analysis_history SET
			type = $2, input = $3, result = $4, ts = $5,
			session_id = $6, session_title = $7, analysis_id = $8,
			updated_at = $9
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query,
		id, item.Type, item.Input, []byte(item.Result), item.Timestamp,
		nullable(item.SessionID), nullable(item.SessionTitle),
		nullable(item.AnalysisID), item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update history item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update history item: %s not found", id)
	}
	return nil
}

func (r *HistoryRepository) Delete(ctx context.Context, id, ownerID string) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM analysis_history WHERE id = $1 AND owner_id = $2", id, ownerID)
	if err != nil {
		return fmt.Errorf("delete history item: %w", err)
	}
	return nil
}

func (r *HistoryRepository) DeleteAll(ctx context.Context, ownerID string) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM analysis_history WHERE owner_id = $1", ownerID)
	if err != nil {
		return fmt.Errorf("delete all history: %w", err)
	}
	return nil
}

func (r *HistoryRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// =============================================================================
// Row Types
// =============================================================================

type historyRow struct {
	ID           string         `db:"id"`
	OwnerID      string         `db:"owner_id"`
	Type         string         `db:"type"`
	Input        string         `db:"input"`
	Result       []byte         `db:"result"`
	Timestamp    int64          `db:"ts"`
	SessionID    sql.NullString `db:"session_id"`
	SessionTitle sql.NullString `db:"session_title"`
	AnalysisID   sql.NullString `db:"analysis_id"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r *historyRow) toDomain() *domain.AnalysisHistoryItem {
	return &domain.AnalysisHistoryItem{
		ID:           r.ID,
		Type:         domain.AnalysisType(r.Type),
		Input:        r.Input,
		Result:       r.Result,
		Timestamp:    r.Timestamp,
		SessionID:    r.SessionID.String,
		SessionTitle: r.SessionTitle.String,
		AnalysisID:   r.AnalysisID.String,
		CreatedAt:    r.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    r.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
