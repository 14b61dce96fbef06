package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-engine/internal/model"
)

// ErrExamDefinitionNotFound is returned when no definition matches the id.
var ErrExamDefinitionNotFound = errors.New("exam definition not found")

// ExamDefinitionRepository handles exam definition data access.
type ExamDefinitionRepository struct {
	pool *pgxpool.Pool
}

// NewExamDefinitionRepository creates a new ExamDefinitionRepository.
func NewExamDefinitionRepository(pool *pgxpool.Pool) *ExamDefinitionRepository {
	return &ExamDefinitionRepository{pool: pool}
}

// GetByID retrieves an exam definition by its UUID.
func (r *ExamDefinitionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error) {
	d := &model.ExamDefinition{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, topic_ids, question_count, time_limit_minutes, eligible_role, created_at
		 FROM exam_definitions WHERE id = $1`, id,
	).Scan(&d.ID, &d.Title, &d.TopicIDs, &d.QuestionCount, &d.TimeLimitMinutes, &d.EligibleRole, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrExamDefinitionNotFound
		}
		return nil, err
	}
	return d, nil
}

// List returns all exam definitions, newest first.
func (r *ExamDefinitionRepository) List(ctx context.Context) ([]model.ExamDefinition, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, title, topic_ids, question_count, time_limit_minutes, eligible_role, created_at
		 FROM exam_definitions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []model.ExamDefinition
	for rows.Next() {
		var d model.ExamDefinition
		if err := rows.Scan(&d.ID, &d.Title, &d.TopicIDs, &d.QuestionCount, &d.TimeLimitMinutes, &d.EligibleRole, &d.CreatedAt); err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// Create inserts a new exam definition.
func (r *ExamDefinitionRepository) Create(ctx context.Context, d *model.ExamDefinition) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO exam_definitions (title, topic_ids, question_count, time_limit_minutes, eligible_role)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		d.Title, d.TopicIDs, d.QuestionCount, d.TimeLimitMinutes, d.EligibleRole,
	).Scan(&d.ID, &d.CreatedAt)
}
