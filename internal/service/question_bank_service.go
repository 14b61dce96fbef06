package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
)

// QuestionSource supplies the eligible question pool for a set of topics.
type QuestionSource interface {
	ListByTopics(ctx context.Context, topicIDs []int) ([]model.Question, error)
}

// ExamDefinitionSource looks up exam definitions.
type ExamDefinitionSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error)
}

type definitionLister interface {
	ExamDefinitionSource
	List(ctx context.Context) ([]model.ExamDefinition, error)
}

// QuestionBankService is a Redis read-through cache in front of the question
// bank and exam definitions. With a nil Redis client it reads straight through.
type QuestionBankService struct {
	questions   QuestionSource
	definitions definitionLister
	rdb         *redis.Client
	ttl         time.Duration
	log         zerolog.Logger
}

// NewQuestionBankService creates a new QuestionBankService.
func NewQuestionBankService(questions QuestionSource, definitions definitionLister, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *QuestionBankService {
	return &QuestionBankService{
		questions:   questions,
		definitions: definitions,
		rdb:         rdb,
		ttl:         ttl,
		log:         log.With().Str("component", "question_bank").Logger(),
	}
}

// GetByID returns an exam definition, from cache when possible.
func (s *QuestionBankService) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error) {
	key := config.CacheKey.ExamDefinitionKey(id.String())

	var def model.ExamDefinition
	if s.cacheGet(ctx, key, &def) {
		return &def, nil
	}

	d, err := s.definitions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, key, d)
	return d, nil
}

// ListByTopics returns the question pool for the topics, from cache when possible.
func (s *QuestionBankService) ListByTopics(ctx context.Context, topicIDs []int) ([]model.Question, error) {
	key := config.CacheKey.TopicPoolKey(topicIDs)

	var pool []model.Question
	if s.cacheGet(ctx, key, &pool) {
		return pool, nil
	}

	pool, err := s.questions.ListByTopics(ctx, topicIDs)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	s.cacheSet(ctx, key, pool)
	return pool, nil
}

// QuestionsFor returns the questions an attempt was drawn from, indexed by id.
func (s *QuestionBankService) QuestionsFor(ctx context.Context, def *model.ExamDefinition) (map[uuid.UUID]model.Question, error) {
	pool, err := s.ListByTopics(ctx, def.TopicIDs)
	if err != nil {
		return nil, err
	}
	idx := make(map[uuid.UUID]model.Question, len(pool))
	for _, q := range pool {
		idx[q.ID] = q
	}
	return idx, nil
}

// Invalidate drops the cached definition and its topic pool.
func (s *QuestionBankService) Invalidate(ctx context.Context, def *model.ExamDefinition) error {
	if s.rdb == nil {
		return nil
	}
	return s.rdb.Del(ctx,
		config.CacheKey.ExamDefinitionKey(def.ID.String()),
		config.CacheKey.TopicPoolKey(def.TopicIDs),
	).Err()
}

// ListDefinitions returns every exam definition, uncached.
func (s *QuestionBankService) ListDefinitions(ctx context.Context) ([]model.ExamDefinition, error) {
	defs, err := s.definitions.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list exam definitions: %w", err)
	}
	return defs, nil
}

// Refresh reloads one definition from the database and replaces its cached
// copy and question pool. Used after the bank is edited.
func (s *QuestionBankService) Refresh(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, int, error) {
	def, err := s.definitions.GetByID(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	if err := s.Invalidate(ctx, def); err != nil {
		return nil, 0, fmt.Errorf("invalidate cache: %w", err)
	}
	s.cacheSet(ctx, config.CacheKey.ExamDefinitionKey(def.ID.String()), def)

	pool, err := s.ListByTopics(ctx, def.TopicIDs)
	if err != nil {
		return nil, 0, err
	}
	return def, len(pool), nil
}

// Prewarm loads every exam definition and its question pool into Redis.
// Called once at startup; failures are logged and skipped.
func (s *QuestionBankService) Prewarm(ctx context.Context) error {
	if s.rdb == nil {
		return nil
	}

	defs, err := s.definitions.List(ctx)
	if err != nil {
		return fmt.Errorf("list exam definitions: %w", err)
	}

	warmed := 0
	for i := range defs {
		s.cacheSet(ctx, config.CacheKey.ExamDefinitionKey(defs[i].ID.String()), &defs[i])
		if _, err := s.ListByTopics(ctx, defs[i].TopicIDs); err != nil {
			s.log.Warn().
				Err(err).
				Str("exam_definition_id", defs[i].ID.String()).
				Msg("Failed to warm question pool, skipping")
			continue
		}
		warmed++
	}

	s.log.Info().
		Int("warmed", warmed).
		Int("total", len(defs)).
		Msg("Prewarming complete")
	return nil
}

func (s *QuestionBankService) cacheGet(ctx context.Context, key string, dst any) bool {
	if s.rdb == nil {
		return false
	}
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn().Err(err).Str("key", key).Msg("Cache read failed")
		}
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Cache entry corrupt, ignoring")
		return false
	}
	return true
}

func (s *QuestionBankService) cacheSet(ctx context.Context, key string, v any) {
	if s.rdb == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Cache write failed")
	}
}
