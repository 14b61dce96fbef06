package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/database"
	"github.com/stemsi/exstem-engine/internal/handler"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
	"github.com/stemsi/exstem-engine/internal/service"
	"github.com/stemsi/exstem-engine/internal/validator"
	"github.com/stemsi/exstem-engine/internal/worker"
)

type memCatalog struct {
	defs      []model.ExamDefinition
	questions []model.Question
}

func (m *memCatalog) GetByID(_ context.Context, id uuid.UUID) (*model.ExamDefinition, error) {
	for _, d := range m.defs {
		if d.ID == id {
			cp := d
			return &cp, nil
		}
	}
	return nil, repository.ErrExamDefinitionNotFound
}

func (m *memCatalog) List(_ context.Context) ([]model.ExamDefinition, error) {
	return append([]model.ExamDefinition(nil), m.defs...), nil
}

func (m *memCatalog) ListByTopics(_ context.Context, topicIDs []int) ([]model.Question, error) {
	var out []model.Question
	for _, q := range m.questions {
		for _, t := range topicIDs {
			if q.TopicID == t {
				out = append(out, q)
			}
		}
	}
	return out, nil
}

type testServer struct {
	t       *testing.T
	engine  *gin.Engine
	auth    *service.AuthService
	catalog *memCatalog
	exam    model.ExamDefinition
	gated   model.ExamDefinition
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	log := zerolog.Nop()
	validator.Setup()

	db, err := database.OpenSQLite(ctx, "file::memory:", log)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	operator := "operator"
	catalog := &memCatalog{}
	for i := 0; i < 6; i++ {
		catalog.questions = append(catalog.questions, model.Question{
			ID:           uuid.New(),
			TopicID:      1,
			Prompt:       fmt.Sprintf("question %d", i),
			Options:      [4]string{"a", "b", "c", "d"},
			CorrectIndex: i%4 + 1,
		})
	}
	exam := model.ExamDefinition{ID: uuid.New(), Title: "Workshop safety", TopicIDs: []int{1}, QuestionCount: 5, TimeLimitMinutes: 30}
	gated := model.ExamDefinition{ID: uuid.New(), Title: "Forklift refresher", TopicIDs: []int{1}, QuestionCount: 2, TimeLimitMinutes: 10, EligibleRole: &operator}
	catalog.defs = []model.ExamDefinition{exam, gated}

	cfg := &config.Config{GinMode: gin.TestMode, JWTSecret: "test-secret", JWTExpiry: time.Hour}

	store := repository.NewSQLiteAttemptRepository(db)
	bank := service.NewQuestionBankService(catalog, catalog, nil, time.Minute, log)
	assembler := service.NewSessionAssembler(store, bank, nil, log)
	controller := service.NewSessionController(store, bank, worker.NewCheckpointQueue(nil, store, log), nil, service.ControllerConfig{
		AutosaveInterval: time.Hour,
		DeadlineTick:     50 * time.Millisecond,
	}, log)
	t.Cleanup(func() { controller.Shutdown(context.Background()) })

	handlers := &Handlers{
		Attempt: handler.NewAttemptHandler(bank, assembler, controller),
		Exam:    handler.NewExamHandler(bank, log),
		Monitor: handler.NewMonitorHandler(repository.NewMonitorRepository(nil), bank, log),
		WS:      handler.NewWSHandler(controller, log, nil),
		System:  handler.NewSystemHandler(map[string]handler.HealthCheck{"sqlite": db.PingContext}, nil, controller, log),
	}

	auth := service.NewAuthService(cfg)
	return &testServer{
		t:       t,
		engine:  SetupRouter(auth, handlers, cfg, log),
		auth:    auth,
		catalog: catalog,
		exam:    exam,
		gated:   gated,
	}
}

func (s *testServer) candidateToken(id, role string) string {
	s.t.Helper()
	token, err := s.auth.GenerateCandidateToken(id, role)
	if err != nil {
		s.t.Fatalf("token: %v", err)
	}
	return token
}

func (s *testServer) correct(id uuid.UUID) int {
	for _, q := range s.catalog.questions {
		if q.ID == id {
			return q.CorrectIndex
		}
	}
	return 0
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code   string            `json:"code"`
		Fields map[string]string `json:"fields"`
	} `json:"error"`
}

func (s *testServer) do(method, path, token string, body any) (int, envelope) {
	s.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		s.t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
	}
	return w.Code, env
}

func (s *testServer) createAttempt(token string) *model.Attempt {
	s.t.Helper()
	code, env := s.do(http.MethodPost, "/api/v1/candidate/exams/"+s.exam.ID.String()+"/attempts", token, nil)
	if code != http.StatusCreated {
		s.t.Fatalf("create attempt: status %d, error %+v", code, env.Error)
	}
	var body struct {
		Attempt model.Attempt `json:"attempt"`
	}
	if err := json.Unmarshal(env.Data, &body); err != nil {
		s.t.Fatalf("decode attempt: %v", err)
	}
	return &body.Attempt
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	code, env := s.do(http.MethodGet, "/health", "", nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if !strings.Contains(string(env.Data), `"sqlite":"ok"`) {
		t.Fatalf("data = %s", env.Data)
	}
}

func TestCandidateExamList_FiltersByRole(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		role string
		want int
	}{
		{"", 1},
		{"operator", 2},
	}
	for _, tc := range tests {
		code, env := s.do(http.MethodGet, "/api/v1/candidate/exams", s.candidateToken("cand-1", tc.role), nil)
		if code != http.StatusOK {
			t.Fatalf("role %q: status = %d", tc.role, code)
		}
		var body struct {
			Exams []model.ExamDefinition `json:"exams"`
		}
		json.Unmarshal(env.Data, &body)
		if len(body.Exams) != tc.want {
			t.Errorf("role %q: %d exams, want %d", tc.role, len(body.Exams), tc.want)
		}
	}

	code, env := s.do(http.MethodPost, "/api/v1/candidate/exams/"+s.gated.ID.String()+"/attempts", s.candidateToken("cand-1", ""), nil)
	if code != http.StatusForbidden || env.Error.Code != "NOT_ELIGIBLE" {
		t.Fatalf("ineligible create: status %d, error %+v", code, env.Error)
	}
}

func TestCandidateAttemptFlow(t *testing.T) {
	s := newTestServer(t)
	token := s.candidateToken("cand-1", "")
	a := s.createAttempt(token)
	base := "/api/v1/candidate/attempts/" + a.ID.String()

	if a.Status != model.AttemptStatusNotStarted || len(a.AnswerRecords) != 5 {
		t.Fatalf("assembled %s with %d records", a.Status, len(a.AnswerRecords))
	}

	// Answers are refused until the clock starts.
	one := 1
	if code, env := s.do(http.MethodPut, base+"/answers/0", token, model.RecordAnswerRequest{ChosenOriginalIndex: &one}); code != http.StatusConflict {
		t.Fatalf("answer before start: status %d, error %+v", code, env.Error)
	}

	if code, env := s.do(http.MethodPost, base+"/start", token, nil); code != http.StatusOK {
		t.Fatalf("start: status %d, error %+v", code, env.Error)
	}

	errorCases := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
		code   string
	}{
		{"foreign candidate", http.MethodPost, base + "/submit", s.candidateToken("cand-2", ""), nil, http.StatusForbidden, "NOT_ATTEMPT_OWNER"},
		{"unknown attempt", http.MethodGet, "/api/v1/candidate/attempts/" + uuid.NewString() + "/resume", token, nil, http.StatusNotFound, "NOT_FOUND"},
		{"bad attempt id", http.MethodGet, "/api/v1/candidate/attempts/nope/resume", token, nil, http.StatusBadRequest, "INVALID_ID"},
		{"choice out of range", http.MethodPut, base + "/answers/0", token, map[string]int{"chosen_original_index": 7}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"question index out of range", http.MethodPut, base + "/answers/99", token, map[string]int{"chosen_original_index": 1}, http.StatusUnprocessableEntity, "INVALID_ANSWER_INDEX"},
		{"start twice", http.MethodPost, base + "/start", token, nil, http.StatusConflict, "INVALID_TRANSITION"},
		{"no token", http.MethodGet, base + "/resume", "", nil, http.StatusUnauthorized, "TOKEN_REQUIRED"},
	}
	for _, tc := range errorCases {
		t.Run(tc.name, func(t *testing.T) {
			code, env := s.do(tc.method, tc.path, tc.token, tc.body)
			if code != tc.status || env.Error == nil || env.Error.Code != tc.code {
				t.Fatalf("status %d error %+v, want %d %s", code, env.Error, tc.status, tc.code)
			}
		})
	}

	for i := 0; i < len(a.AnswerRecords)-1; i++ {
		choice := s.correct(a.AnswerRecords[i].QuestionID)
		if code, env := s.do(http.MethodPut, fmt.Sprintf("%s/answers/%d", base, i), token, model.RecordAnswerRequest{ChosenOriginalIndex: &choice}); code != http.StatusOK {
			t.Fatalf("answer %d: status %d, error %+v", i, code, env.Error)
		}
	}

	code, env := s.do(http.MethodPost, base+"/submit", token, nil)
	if code != http.StatusUnprocessableEntity || env.Error.Code != "INCOMPLETE_ATTEMPT" {
		t.Fatalf("incomplete submit: status %d, error %+v", code, env.Error)
	}
	if env.Error.Fields["missing_count"] != "1" || env.Error.Fields["first_unanswered"] != "4" {
		t.Fatalf("incomplete fields = %v", env.Error.Fields)
	}

	code, env = s.do(http.MethodGet, base+"/resume", token, nil)
	if code != http.StatusOK {
		t.Fatalf("resume: status %d", code)
	}
	var state struct {
		Questions        []model.ShuffledQuestion `json:"questions"`
		RemainingSeconds int                      `json:"remaining_seconds"`
		Attempt          model.Attempt            `json:"attempt"`
	}
	json.Unmarshal(env.Data, &state)
	if len(state.Questions) != 5 || state.RemainingSeconds <= 0 || state.Attempt.AnsweredCount() != 4 {
		t.Fatalf("resume: %d questions, %ds left, %d answered", len(state.Questions), state.RemainingSeconds, state.Attempt.AnsweredCount())
	}

	last := len(a.AnswerRecords) - 1
	choice := s.correct(a.AnswerRecords[last].QuestionID)
	s.do(http.MethodPut, fmt.Sprintf("%s/answers/%d", base, last), token, model.RecordAnswerRequest{ChosenOriginalIndex: &choice})

	code, env = s.do(http.MethodPost, base+"/submit", token, map[string]any{"note": map[string]string{"feedback": "clear"}})
	if code != http.StatusOK {
		t.Fatalf("submit: status %d, error %+v", code, env.Error)
	}
	var final struct {
		Attempt struct {
			Status       model.AttemptStatus `json:"status"`
			Score        int                 `json:"score"`
			Percentage   float64             `json:"percentage"`
			FreeformNote json.RawMessage     `json:"freeform_note"`
		} `json:"attempt"`
	}
	json.Unmarshal(env.Data, &final)
	if final.Attempt.Status != model.AttemptStatusPassed || final.Attempt.Score != 5 || final.Attempt.Percentage != 100 {
		t.Fatalf("final = %+v", final.Attempt)
	}
	if !strings.Contains(string(final.Attempt.FreeformNote), "clear") {
		t.Fatalf("note not stored: %s", final.Attempt.FreeformNote)
	}

	code, env = s.do(http.MethodGet, "/api/v1/candidate/exams/"+s.exam.ID.String()+"/attempts", token, nil)
	var history struct {
		Attempts []model.AttemptView `json:"attempts"`
	}
	json.Unmarshal(env.Data, &history)
	if code != http.StatusOK || len(history.Attempts) != 1 {
		t.Fatalf("history: status %d, %d attempts", code, len(history.Attempts))
	}
}

func TestProctorRoutes(t *testing.T) {
	s := newTestServer(t)
	proctor, _ := s.auth.GenerateProctorToken("proctor-1")

	if code, _ := s.do(http.MethodGet, "/api/v1/proctor/exams", s.candidateToken("cand-1", ""), nil); code != http.StatusForbidden {
		t.Fatalf("candidate on proctor route: status %d", code)
	}

	code, env := s.do(http.MethodGet, "/api/v1/proctor/exams", proctor, nil)
	if code != http.StatusOK || !strings.Contains(string(env.Data), s.gated.Title) {
		t.Fatalf("proctor list: status %d, data %s", code, env.Data)
	}

	code, env = s.do(http.MethodPost, "/api/v1/proctor/exams/"+s.exam.ID.String()+"/refresh-cache", proctor, nil)
	if code != http.StatusOK || !strings.Contains(string(env.Data), `"pool_size":6`) {
		t.Fatalf("refresh: status %d, data %s", code, env.Data)
	}

	code, env = s.do(http.MethodGet, "/api/v1/proctor/system/metrics", proctor, nil)
	if code != http.StatusOK || !strings.Contains(string(env.Data), "live_sessions") {
		t.Fatalf("metrics: status %d, data %s", code, env.Data)
	}
}

func TestAttemptStream(t *testing.T) {
	s := newTestServer(t)
	token := s.candidateToken("cand-ws", "")
	a := s.createAttempt(token)

	srv := httptest.NewServer(s.engine)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/v1/candidate/attempts/" + a.ID.String() + "/stream?token=" + token

	// Not started yet: the upgrade is refused with a JSON error.
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusConflict {
		t.Fatalf("stream before start: err %v, resp %v", err, resp)
	}

	if code, env := s.do(http.MethodPost, "/api/v1/candidate/attempts/"+a.ID.String()+"/start", token, nil); code != http.StatusOK {
		t.Fatalf("start: status %d, error %+v", code, env.Error)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	for i, r := range a.AnswerRecords {
		conn.WriteJSON(map[string]any{"action": "answer", "index": i, "chosen_original_index": s.correct(r.QuestionID)})
	}
	conn.WriteJSON(map[string]any{"action": "ping"})
	conn.WriteJSON(map[string]any{"action": "submit"})

	seen := map[string]int{}
	for {
		var ev struct {
			Event  string `json:"event"`
			Status string `json:"status"`
			Score  int    `json:"score"`
			Error  string `json:"error"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("stream ended before verdict: %v (seen %v)", err, seen)
		}
		seen[ev.Event]++
		if ev.Event == "error" {
			t.Fatalf("stream error: %s", ev.Error)
		}
		if ev.Event == "graded" {
			if ev.Status != "PASSED" || ev.Score != 5 {
				t.Fatalf("verdict = %+v", ev)
			}
			break
		}
	}
	if seen["saved"] != 5 || seen["pong"] != 1 {
		t.Fatalf("events = %v", seen)
	}

	// The server closes the stream after the verdict.
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}
