package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-examtaker/internal/config"
	"github.com/stemsi/exstem-examtaker/internal/examsession"
	"github.com/stemsi/exstem-examtaker/internal/handler"
	"github.com/stemsi/exstem-examtaker/internal/model"
	"github.com/stemsi/exstem-examtaker/internal/service"
	"github.com/stemsi/exstem-examtaker/internal/storage"
	"github.com/stemsi/exstem-examtaker/internal/validator"
)

// ─── fakes ──────────────────────────────────────────────────────────

type fakeStudents map[string]*model.Student

func (f fakeStudents) GetByNISN(_ context.Context, nisn string) (*model.Student, error) {
	if s, ok := f[nisn]; ok {
		return s, nil
	}
	return nil, pgx.ErrNoRows
}

type noResults struct{}

func (noResults) GetBySession(context.Context, string, int) (*model.ExamResult, error) {
	return nil, pgx.ErrNoRows
}

type switchGrader struct {
	mu   sync.Mutex
	fail bool
	last *model.Submission
}

func (g *switchGrader) Grade(_ context.Context, sub *model.Submission) (*model.GradingResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = sub
	if g.fail {
		return nil, errors.New("grading API unreachable")
	}
	resp := &model.GradingResponse{Results: []model.GradedQuestion{}}
	for i := range sub.Questions {
		resp.Results = append(resp.Results, model.GradedQuestion{QuestionIndex: i, IsCorrect: i == 0, Score: 10, MaxScore: 10})
	}
	return resp, nil
}

func (g *switchGrader) setFail(v bool) {
	g.mu.Lock()
	g.fail = v
	g.mu.Unlock()
}

// ─── environment ────────────────────────────────────────────────────

type testEnv struct {
	t      *testing.T
	engine *gin.Engine
	mr     *miniredis.Miniredis
	grader *switchGrader
	token  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	validator.Setup()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{
		GinMode:         gin.TestMode,
		JWTSecret:       "router-test",
		JWTExpiry:       time.Hour,
		BcryptCost:      4,
		MaxUploadBytes:  1024,
		SnapshotTTL:     time.Hour,
		TickInterval:    time.Hour, // the clock is driven by hand in these tests
		PersistInterval: 5 * time.Second,
		ResultTTL:       time.Hour,
	}
	log := zerolog.Nop()

	students := fakeStudents{}
	authService := service.NewAuthService(cfg, rdb, students)
	hash, _ := authService.HashPassword("rahasia123")
	students["0051234567"] = &model.Student{ID: 7, NISN: "0051234567", Name: "Sari", PasswordHash: hash, ClassID: 3}

	grader := &switchGrader{}
	previews := examsession.NewMemoryPreviews("/api/v1/student/sessions")
	publisher := service.NewResultPublisher(rdb, cfg.ResultTTL, log)
	resultService := service.NewResultService(rdb, noResults{}, cfg.ResultTTL, log)
	sessionService := service.NewExamSessionService(
		storage.NewRedisStore(rdb, cfg.SnapshotTTL), grader, publisher, previews, resultService, cfg, log,
	)
	t.Cleanup(func() { sessionService.Shutdown(context.Background()) })

	health := handler.NewHealthHandler(map[string]handler.Pinger{
		"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}, sessionService.Len)

	handlers := &Handlers{
		Auth:    handler.NewAuthHandler(authService, log),
		Session: handler.NewSessionHandler(sessionService, service.NewEvidenceService(cfg.MaxUploadBytes), resultService, cfg.MaxUploadBytes, log),
		WS:      handler.NewWSHandler(rdb, sessionService, 20*time.Millisecond, log, nil),
		Health:  health,
	}

	return &testEnv{
		t:      t,
		engine: SetupRouter(authService, handlers, cfg, log),
		mr:     mr,
		grader: grader,
	}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code   string            `json:"code"`
		Fields map[string]string `json:"fields"`
	} `json:"error"`
}

func (e *testEnv) do(method, path string, body interface{}) (int, envelope) {
	e.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	return e.serve(req)
}

func (e *testEnv) serve(req *http.Request) (int, envelope) {
	e.t.Helper()
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			e.t.Fatalf("%s %s: decode: %v (%s)", req.Method, req.URL.Path, err, w.Body.String())
		}
	}
	return w.Code, env
}

func (e *testEnv) login() {
	e.t.Helper()
	code, env := e.do(http.MethodPost, "/api/v1/auth/student/login", gin.H{"nisn": "0051234567", "password": "rahasia123"})
	if code != http.StatusOK {
		e.t.Fatalf("login: %d %+v", code, env.Error)
	}
	var resp model.StudentLoginResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		e.t.Fatalf("login body: %v", err)
	}
	e.token = resp.Token
}

func (e *testEnv) start() model.SessionState {
	e.t.Helper()
	code, env := e.do(http.MethodPost, "/api/v1/student/sessions", startBody())
	if code != http.StatusOK {
		e.t.Fatalf("start: %d %+v", code, env.Error)
	}
	var st model.SessionState
	if err := json.Unmarshal(env.Data, &st); err != nil {
		e.t.Fatalf("start body: %v", err)
	}
	return st
}

func startBody() gin.H {
	return gin.H{
		"metadata": gin.H{"class_id": 3, "subject_id": 5, "chapters": []int{1, 2}},
		"questions": []gin.H{
			{"question_text": "Hitung 2+2", "difficulty": "easy"},
			{"question_text": "Turunan x^2", "difficulty": "medium", "topic": "kalkulus"},
			{"question_text": "Integral sin x", "difficulty": "hard"},
		},
		"duration_minutes": 30,
		"start_time":       "2026-03-01T08:00:00Z",
	}
}

func (e *testEnv) upload(sessionID string, index int, data []byte) (int, envelope) {
	e.t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="jawaban.png"`)
	h.Set("Content-Type", "image/png")
	part, _ := mw.CreatePart(h)
	part.Write(data)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost,
		"/api/v1/student/sessions/"+sessionID+"/questions/"+strconv.Itoa(index)+"/evidence", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return e.serve(req)
}

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

// ─── tests ──────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	if code, _ := env.do(http.MethodGet, "/health", nil); code != http.StatusOK {
		t.Fatalf("health = %d", code)
	}
}

func TestStudentRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)
	code, body := env.do(http.MethodPost, "/api/v1/student/sessions", startBody())
	if code != http.StatusUnauthorized || body.Error == nil || body.Error.Code != "TOKEN_REQUIRED" {
		t.Fatalf("got %d %+v", code, body.Error)
	}
}

func TestLogin_SecondDeviceRejected(t *testing.T) {
	env := newTestEnv(t)
	env.login()

	env.token = ""
	code, body := env.do(http.MethodPost, "/api/v1/auth/student/login", gin.H{"nisn": "0051234567", "password": "rahasia123"})
	if code != http.StatusConflict || body.Error.Code != "SESSION_ALREADY_ACTIVE" {
		t.Fatalf("got %d %+v", code, body.Error)
	}
}

func TestStartSession_ValidationErrors(t *testing.T) {
	env := newTestEnv(t)
	env.login()

	req := startBody()
	req["questions"] = []gin.H{{"question_text": "x", "difficulty": "legendary"}}
	code, body := env.do(http.MethodPost, "/api/v1/student/sessions", req)
	if code != http.StatusBadRequest || body.Error.Fields["questions[0].difficulty"] == "" {
		t.Fatalf("got %d %+v", code, body.Error)
	}

	req = startBody()
	req["metadata"] = gin.H{"class_id": 4, "subject_id": 5}
	code, body = env.do(http.MethodPost, "/api/v1/student/sessions", req)
	if code != http.StatusForbidden || body.Error.Code != "CLASS_MISMATCH" {
		t.Fatalf("got %d %+v", code, body.Error)
	}
}

func TestExamFlow(t *testing.T) {
	env := newTestEnv(t)
	env.login()

	st := env.start()
	if len(st.Questions) != 3 || st.Status != model.SessionStatusActive || st.RemainingSeconds != 1800 {
		t.Fatalf("state = %+v", st)
	}
	base := "/api/v1/student/sessions/" + st.SessionID

	// Reloading the same attempt returns the same session.
	if again := env.start(); again.SessionID != st.SessionID {
		t.Fatalf("resume id = %q, want %q", again.SessionID, st.SessionID)
	}

	if code, body := env.do(http.MethodPost, base+"/navigate", gin.H{"index": 2}); code != http.StatusOK {
		t.Fatalf("navigate: %d %+v", code, body.Error)
	}
	if code, body := env.do(http.MethodPost, base+"/navigate", gin.H{"index": 3}); code != http.StatusBadRequest || body.Error.Code != "QUESTION_OUT_OF_RANGE" {
		t.Fatalf("navigate out of range: %d %+v", code, body.Error)
	}

	code, body := env.do(http.MethodPost, base+"/questions/1/flag", nil)
	if code != http.StatusOK || !strings.Contains(string(body.Data), `"flagged":true`) {
		t.Fatalf("flag: %d %s", code, body.Data)
	}

	code, body = env.upload(st.SessionID, 0, pngBytes)
	if code != http.StatusCreated {
		t.Fatalf("upload: %d %+v", code, body.Error)
	}
	var img model.EvidenceImage
	_ = json.Unmarshal(body.Data, &img)
	if img.PreviewURL != base+"/evidence/"+img.ID.String() {
		t.Fatalf("preview url = %q", img.PreviewURL)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, img.PreviewURL, nil)
	req.Header.Set("Authorization", "Bearer "+env.token)
	env.engine.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/png" || !bytes.Equal(w.Body.Bytes(), pngBytes) {
		t.Fatalf("preview: %d %q", w.Code, w.Header().Get("Content-Type"))
	}

	// Attach a second image to question 2, then remove it again.
	if code, _ := env.upload(st.SessionID, 2, pngBytes); code != http.StatusCreated {
		t.Fatalf("second upload: %d", code)
	}
	code, body = env.do(http.MethodDelete, base+"/questions/2/evidence/0", nil)
	if code != http.StatusOK || !strings.Contains(string(body.Data), `"status":"unanswered"`) {
		t.Fatalf("remove: %d %s", code, body.Data)
	}

	// A failing grader keeps the session for a retry.
	env.grader.setFail(true)
	code, body = env.do(http.MethodPost, base+"/submit", nil)
	if code != http.StatusBadGateway || body.Error.Code != "SUBMISSION_FAILED" {
		t.Fatalf("failed submit: %d %+v", code, body.Error)
	}
	if code, _ := env.do(http.MethodGet, base, nil); code != http.StatusOK {
		t.Fatalf("session lost after failed submit: %d", code)
	}

	env.grader.setFail(false)
	code, body = env.do(http.MethodPost, base+"/submit", nil)
	if code != http.StatusOK {
		t.Fatalf("submit: %d %+v", code, body.Error)
	}
	var res model.ExamResult
	_ = json.Unmarshal(body.Data, &res)
	if res.Summary.Correct != 1 || res.Summary.Unanswered != 2 || res.Summary.Flagged != 1 {
		t.Fatalf("summary = %+v", res.Summary)
	}
	if n := len(env.grader.last.Files); n != 1 {
		t.Errorf("grader received %d files, want 1", n)
	}

	code, body = env.do(http.MethodGet, base+"/result", nil)
	if code != http.StatusOK {
		t.Fatalf("result: %d %+v", code, body.Error)
	}

	if code, body := env.do(http.MethodGet, base, nil); code != http.StatusNotFound || body.Error.Code != "SESSION_NOT_FOUND" {
		t.Fatalf("finished session: %d %+v", code, body.Error)
	}
	if code, body := env.do(http.MethodPost, "/api/v1/student/sessions", startBody()); code != http.StatusConflict || body.Error.Code != "SESSION_COMPLETED" {
		t.Fatalf("restart finished attempt: %d %+v", code, body.Error)
	}
}

func TestCloseAndResume(t *testing.T) {
	env := newTestEnv(t)
	env.login()

	st := env.start()
	base := "/api/v1/student/sessions/" + st.SessionID
	env.do(http.MethodPost, base+"/navigate", gin.H{"index": 1})
	env.upload(st.SessionID, 1, pngBytes)

	if code, body := env.do(http.MethodDelete, base, nil); code != http.StatusOK {
		t.Fatalf("close: %d %+v", code, body.Error)
	}
	if !env.mr.Exists(config.CacheKey.SessionSnapshotKey(7, st.SessionID)) {
		t.Fatal("snapshot missing after close")
	}

	resumed := env.start()
	if resumed.CurrentQuestionIndex != 1 || resumed.Questions[1].Status != model.AnswerEvidence {
		t.Fatalf("resumed = index %d, q1 %+v", resumed.CurrentQuestionIndex, resumed.Questions[1])
	}
}

func TestSessionStream(t *testing.T) {
	env := newTestEnv(t)
	env.login()
	st := env.start()

	srv := httptest.NewServer(env.engine)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/v1/student/sessions/" + st.SessionID + "/stream?token=" + env.token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(gin.H{"action": "navigate", "index": 2}); err != nil {
		t.Fatalf("write: %v", err)
	}

	sawTick, sawState := false, false
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for !(sawTick && sawState) {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v (tick %v, state %v)", err, sawTick, sawState)
		}
		switch msg["event"] {
		case "tick":
			sawTick = true
		case "state":
			state := msg["state"].(map[string]interface{})
			if state["current_question_index"].(float64) != 2 {
				t.Fatalf("state after navigate = %v", state["current_question_index"])
			}
			sawState = true
		case "error":
			t.Fatalf("error event: %v", msg["error"])
		}
	}
}
