package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"bingo-event-service/internal/domain"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// QuestionLoader loads question set JSONB from Postgres.
type QuestionLoader struct {
	pool *pgxpool.Pool
}

func NewQuestionLoader(pool *pgxpool.Pool) *QuestionLoader {
	return &QuestionLoader{pool: pool}
}

func (l *QuestionLoader) LoadQuestionSet(ctx context.Context, setID string) (domain.QuestionSet, error) {
	var raw []byte
	err := l.pool.QueryRow(ctx, `SELECT data FROM question_sets WHERE id=$1`, setID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QuestionSet{}, fmt.Errorf("question set %s: %w", setID, domain.ErrQuestionSetNotFound)
	}
	if err != nil {
		return domain.QuestionSet{}, fmt.Errorf("load question set: %w", err)
	}
	var set domain.QuestionSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return domain.QuestionSet{}, fmt.Errorf("unmarshal question set: %w", err)
	}
	set.ID = setID
	return set, nil
}

// SaveQuestionSet upserts a set; used by the seed command.
func (l *QuestionLoader) SaveQuestionSet(ctx context.Context, set domain.QuestionSet) error {
	raw, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("marshal question set: %w", err)
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO question_sets (id, data) VALUES ($1, $2::jsonb)
ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`, set.ID, string(raw))
	if err != nil {
		return fmt.Errorf("save question set %s: %w", set.ID, err)
	}
	return nil
}
