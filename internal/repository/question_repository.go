package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-engine/internal/model"
)

// QuestionRepository handles question bank reads for the engine and the seed tool.
type QuestionRepository struct {
	pool *pgxpool.Pool
}

// NewQuestionRepository creates a new QuestionRepository.
func NewQuestionRepository(pool *pgxpool.Pool) *QuestionRepository {
	return &QuestionRepository{pool: pool}
}

// ListByTopics retrieves every question belonging to one of the given topics.
// Order is stable (topic, id) but carries no meaning; the engine shuffles.
func (r *QuestionRepository) ListByTopics(ctx context.Context, topicIDs []int) ([]model.Question, error) {
	if len(topicIDs) == 0 {
		return []model.Question{}, nil
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, topic_id, prompt, options, correct_index
		 FROM questions WHERE topic_id = ANY($1::int[])
		 ORDER BY topic_id, id`, topicIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	questions := []model.Question{}
	for rows.Next() {
		var (
			q       model.Question
			options []string
		)
		if err := rows.Scan(&q.ID, &q.TopicID, &q.Prompt, &options, &q.CorrectIndex); err != nil {
			return nil, err
		}
		if len(options) != model.OptionCount {
			return nil, fmt.Errorf("question %s has %d options, want %d", q.ID, len(options), model.OptionCount)
		}
		copy(q.Options[:], options)
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// EnsureTopic returns the id of the named topic, creating it if needed.
func (r *QuestionRepository) EnsureTopic(ctx context.Context, name string) (int, error) {
	var id int
	err := r.pool.QueryRow(ctx,
		`INSERT INTO topics (name) VALUES ($1)
		 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id`,
		name,
	).Scan(&id)
	return id, err
}

// Create inserts a new question.
func (r *QuestionRepository) Create(ctx context.Context, q *model.Question) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO questions (topic_id, prompt, options, correct_index)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		q.TopicID, q.Prompt, q.Options[:], q.CorrectIndex,
	).Scan(&q.ID)
}

// CountByTopic returns the number of questions per topic, for the seed tool summary.
func (r *QuestionRepository) CountByTopic(ctx context.Context) (map[int]int, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT topic_id, COUNT(*) FROM questions GROUP BY topic_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var topicID, n int
		if err := rows.Scan(&topicID, &n); err != nil {
			return nil, err
		}
		counts[topicID] = n
	}
	return counts, rows.Err()
}

// Delete removes a question. Attempts keep their snapshot of question ids,
// so a deleted question simply scores nothing on later submits.
func (r *QuestionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM questions WHERE id = $1`, id)
	return err
}
