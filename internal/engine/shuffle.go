// Package engine holds the pure parts of the exam session: randomizing what a
// candidate sees and grading what they answered.
package engine

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/stemsi/exstem-engine/internal/model"
)

// ErrCorruptAttempt is returned when a stored presented order cannot be
// turned back into the options the candidate saw.
var ErrCorruptAttempt = errors.New("attempt data is corrupt")

// Shuffler randomizes question and option order. The zero value is not
// usable; use NewShuffler or the package-level helpers.
type Shuffler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewShuffler creates a Shuffler over the given source. A nil source uses a
// randomly seeded PCG.
func NewShuffler(src rand.Source) *Shuffler {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Shuffler{rng: rand.New(src)}
}

var defaultShuffler = NewShuffler(nil)

// intN returns a uniform int in [0, n).
func (s *Shuffler) intN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(n)
}

// ShuffleQuestions returns a uniform random selection of min(count, len(pool))
// questions in random order. The pool is not modified. An empty pool yields
// an empty result; callers treat that as "no eligible questions".
func (s *Shuffler) ShuffleQuestions(pool []model.Question, count int) []model.Question {
	if len(pool) == 0 || count <= 0 {
		return []model.Question{}
	}

	shuffled := make([]model.Question, len(pool))
	copy(shuffled, pool)

	// Fisher-Yates, j drawn from [0, i] inclusive.
	for i := len(shuffled) - 1; i > 0; i-- {
		j := s.intN(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}

	if count > len(shuffled) {
		count = len(shuffled)
	}
	return shuffled[:count]
}

// ShuffleAnswers permutes the question's options. The presented slot i maps
// straight to Options[i].OriginalIndex, so grading needs no extra lookup.
func (s *Shuffler) ShuffleAnswers(q model.Question) model.ShuffledQuestion {
	sq := model.ShuffledQuestion{
		ID:      q.ID,
		TopicID: q.TopicID,
		Prompt:  q.Prompt,
	}
	for i, text := range q.Options {
		sq.Options[i] = model.AnswerOption{Text: text, OriginalIndex: i + 1}
	}

	for i := len(sq.Options) - 1; i > 0; i-- {
		j := s.intN(i + 1)
		sq.Options[i], sq.Options[j] = sq.Options[j], sq.Options[i]
	}
	return sq
}

// ShuffleQuestions uses the package default source.
func ShuffleQuestions(pool []model.Question, count int) []model.Question {
	return defaultShuffler.ShuffleQuestions(pool, count)
}

// ShuffleAnswers uses the package default source.
func ShuffleAnswers(q model.Question) model.ShuffledQuestion {
	return defaultShuffler.ShuffleAnswers(q)
}

// RestoreShuffledQuestion rebuilds the exact options a candidate saw from a
// stored presented order. It uses no randomness.
func RestoreShuffledQuestion(q model.Question, presentedOrder [model.OptionCount]int) (model.ShuffledQuestion, error) {
	if err := ValidatePresentedOrder(presentedOrder); err != nil {
		return model.ShuffledQuestion{}, fmt.Errorf("question %s: %w", q.ID, err)
	}

	sq := model.ShuffledQuestion{
		ID:      q.ID,
		TopicID: q.TopicID,
		Prompt:  q.Prompt,
	}
	for i, original := range presentedOrder {
		sq.Options[i] = model.AnswerOption{
			Text:          q.Options[original-1],
			OriginalIndex: original,
		}
	}
	return sq, nil
}

// ValidatePresentedOrder checks that order is a permutation of 1..4.
func ValidatePresentedOrder(order [model.OptionCount]int) error {
	var seen [model.OptionCount + 1]bool
	for _, v := range order {
		if v < 1 || v > model.OptionCount || seen[v] {
			return fmt.Errorf("%w: presented order %v is not a permutation", ErrCorruptAttempt, order)
		}
		seen[v] = true
	}
	return nil
}
