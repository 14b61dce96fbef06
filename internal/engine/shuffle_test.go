package engine

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-engine/internal/model"
)

func sampleQuestion(n int) model.Question {
	return model.Question{
		ID:           uuid.New(),
		TopicID:      1,
		Prompt:       fmt.Sprintf("Question %d", n),
		Options:      [4]string{"alpha", "bravo", "charlie", "delta"},
		CorrectIndex: 2,
	}
}

func samplePool(n int) []model.Question {
	pool := make([]model.Question, n)
	for i := range pool {
		pool[i] = sampleQuestion(i)
	}
	return pool
}

func isPermutation(order [4]int) bool {
	return ValidatePresentedOrder(order) == nil
}

func TestShuffleQuestions_Bounds(t *testing.T) {
	pool := samplePool(10)

	tests := []struct {
		name  string
		count int
		want  int
	}{
		{"fewer than pool", 4, 4},
		{"exactly pool", 10, 10},
		{"more than pool", 25, 10},
		{"zero", 0, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ShuffleQuestions(pool, tc.count)
			if len(got) != tc.want {
				t.Fatalf("expected %d questions, got %d", tc.want, len(got))
			}
			seen := make(map[uuid.UUID]bool, len(got))
			for _, q := range got {
				if seen[q.ID] {
					t.Fatalf("duplicate question %s in selection", q.ID)
				}
				seen[q.ID] = true
			}
		})
	}
}

func TestShuffleQuestions_EmptyPool(t *testing.T) {
	got := ShuffleQuestions(nil, 5)
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %v", got)
	}
}

func TestShuffleQuestions_DoesNotMutatePool(t *testing.T) {
	pool := samplePool(8)
	before := make([]uuid.UUID, len(pool))
	for i, q := range pool {
		before[i] = q.ID
	}

	for i := 0; i < 20; i++ {
		ShuffleQuestions(pool, 5)
	}

	for i, q := range pool {
		if q.ID != before[i] {
			t.Fatalf("pool reordered at %d", i)
		}
	}
}

func TestShuffleQuestions_ReachesEveryPosition(t *testing.T) {
	s := NewShuffler(rand.NewPCG(1, 2))
	pool := samplePool(4)
	first := make(map[uuid.UUID]int)

	for i := 0; i < 400; i++ {
		got := s.ShuffleQuestions(pool, 4)
		first[got[0].ID]++
	}

	for _, q := range pool {
		if first[q.ID] == 0 {
			t.Fatalf("question %s never drawn first in 400 shuffles", q.Prompt)
		}
	}
}

func TestShuffleAnswers_PermutationInvariant(t *testing.T) {
	q := sampleQuestion(1)
	for i := 0; i < 500; i++ {
		sq := ShuffleAnswers(q)
		order := sq.PresentedOrder()
		if !isPermutation(order) {
			t.Fatalf("presented order %v is not a permutation", order)
		}
		for _, opt := range sq.Options {
			if q.Options[opt.OriginalIndex-1] != opt.Text {
				t.Fatalf("option text %q does not match original index %d", opt.Text, opt.OriginalIndex)
			}
		}
	}
}

func TestRestoreShuffledQuestion_Reversible(t *testing.T) {
	q := sampleQuestion(1)
	for i := 0; i < 100; i++ {
		sq := ShuffleAnswers(q)
		restored, err := RestoreShuffledQuestion(q, sq.PresentedOrder())
		if err != nil {
			t.Fatalf("restore: %v", err)
		}
		if restored != sq {
			t.Fatalf("restored %+v differs from shuffled %+v", restored, sq)
		}
	}
}

func TestRestoreShuffledQuestion_Deterministic(t *testing.T) {
	q := sampleQuestion(1)
	order := [4]int{3, 1, 4, 2}

	a, err := RestoreShuffledQuestion(q, order)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	b, _ := RestoreShuffledQuestion(q, order)
	if a != b {
		t.Fatalf("restore is not deterministic")
	}
	if a.Options[0].Text != "charlie" || a.Options[3].Text != "bravo" {
		t.Fatalf("unexpected restored options %+v", a.Options)
	}
}

func TestRestoreShuffledQuestion_Corrupt(t *testing.T) {
	q := sampleQuestion(1)
	bad := [][4]int{
		{1, 1, 2, 3},
		{0, 1, 2, 3},
		{1, 2, 3, 5},
		{},
	}
	for _, order := range bad {
		if _, err := RestoreShuffledQuestion(q, order); !errors.Is(err, ErrCorruptAttempt) {
			t.Fatalf("order %v: expected ErrCorruptAttempt, got %v", order, err)
		}
	}
}
