package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/database"
	"github.com/stemsi/exstem-engine/internal/logger"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
	"github.com/stemsi/exstem-engine/internal/validator"
)

// seedFile is the on-disk format. Exams reference topics by name.
type seedFile struct {
	Topics []struct {
		Name      string                        `json:"name"`
		Questions []model.CreateQuestionRequest `json:"questions"`
	} `json:"topics"`
	Exams []struct {
		model.CreateExamDefinitionRequest
		Topics []string `json:"topics"`
	} `json:"exams"`
}

func main() {
	var path string
	flag.StringVar(&path, "file", "seeds/questions.json", "Seed file with topics, questions and exams")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat).With().Str("component", "seed").Logger()

	seed, err := readSeed(path)
	if err != nil {
		log.Fatal().Err(err).Str("file", path).Msg("Failed to read seed file")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	questionRepo := repository.NewQuestionRepository(pool)
	definitionRepo := repository.NewExamDefinitionRepository(pool)

	topicIDs := make(map[string]int, len(seed.Topics))
	for _, t := range seed.Topics {
		id, err := questionRepo.EnsureTopic(ctx, t.Name)
		if err != nil {
			log.Fatal().Err(err).Str("topic", t.Name).Msg("Failed to create topic")
		}
		topicIDs[t.Name] = id

		for i, req := range t.Questions {
			req.TopicID = id
			if fields := validator.Struct(&req); fields != nil {
				log.Fatal().Str("topic", t.Name).Int("question", i).Interface("fields", fields).Msg("Invalid question")
			}
			q := &model.Question{TopicID: id, Prompt: req.Prompt, CorrectIndex: req.CorrectIndex}
			copy(q.Options[:], req.Options)
			if err := questionRepo.Create(ctx, q); err != nil {
				log.Fatal().Err(err).Str("topic", t.Name).Int("question", i).Msg("Failed to create question")
			}
		}
	}

	for _, e := range seed.Exams {
		req := e.CreateExamDefinitionRequest
		for _, name := range e.Topics {
			id, ok := topicIDs[name]
			if !ok {
				log.Fatal().Str("exam", req.Title).Str("topic", name).Msg("Exam references an unknown topic")
			}
			req.TopicIDs = append(req.TopicIDs, id)
		}
		if fields := validator.Struct(&req); fields != nil {
			log.Fatal().Str("exam", req.Title).Interface("fields", fields).Msg("Invalid exam definition")
		}

		def := &model.ExamDefinition{
			Title:            req.Title,
			TopicIDs:         req.TopicIDs,
			QuestionCount:    req.QuestionCount,
			TimeLimitMinutes: req.TimeLimitMinutes,
			EligibleRole:     req.EligibleRole,
		}
		if err := definitionRepo.Create(ctx, def); err != nil {
			log.Fatal().Err(err).Str("exam", req.Title).Msg("Failed to create exam definition")
		}
		fmt.Printf("Exam %q -> %s\n", def.Title, def.ID)
	}

	printSummary(ctx, questionRepo, log)
}

func readSeed(path string) (*seedFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var seed seedFile
	if err := json.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	return &seed, nil
}

func printSummary(ctx context.Context, repo *repository.QuestionRepository, log zerolog.Logger) {
	counts, err := repo.CountByTopic(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to count questions")
		return
	}
	fmt.Println("=== Questions per topic ===")
	for topic, n := range counts {
		fmt.Printf("topic %d: %d\n", topic, n)
	}
}
