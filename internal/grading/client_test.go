package grading

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-examtaker/internal/model"
)

func testSubmission() *model.Submission {
	return &model.Submission{
		SessionID: "exam_7_3_1",
		Metadata:  model.SessionMetadata{ClassID: 7, SubjectID: 3, ChapterIDs: []int{11, 12}},
		Questions: []model.Question{
			{QuestionText: "Integrate x^2", Difficulty: model.DifficultyHard, Topic: "calculus"},
			{QuestionText: "2+2", Difficulty: model.DifficultyEasy, QuestionImage: "https://cdn.example/q2.png"},
		},
		Files: []model.EvidenceImage{
			{Filename: "q1.jpg", ContentType: "image/jpeg", Data: []byte("first")},
			{Filename: `we"ird.png`, ContentType: "image/png", Data: []byte("second")},
		},
	}
}

func TestClient_GradeSendsMultipartForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing api key header: %q", r.Header.Get("Authorization"))
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}

		if got := r.FormValue("class_id"); got != "7" {
			t.Errorf("class_id = %q", got)
		}
		if got := r.FormValue("subject_id"); got != "3" {
			t.Errorf("subject_id = %q", got)
		}
		if got := r.MultipartForm.Value["chapters"]; len(got) != 2 || got[0] != "11" || got[1] != "12" {
			t.Errorf("chapters = %v", got)
		}

		var questions []map[string]string
		if err := json.Unmarshal([]byte(r.FormValue("questions")), &questions); err != nil {
			t.Errorf("questions field is not JSON: %v", err)
		}
		if len(questions) != 2 || questions[0]["difficulty"] != "hard" || questions[0]["topic"] != "calculus" {
			t.Errorf("unexpected questions %v", questions)
		}
		if _, ok := questions[0]["question_image"]; ok {
			t.Error("empty question_image should be omitted")
		}
		if questions[1]["question_image"] != "https://cdn.example/q2.png" {
			t.Errorf("question_image lost: %v", questions[1])
		}

		files := r.MultipartForm.File["answer_files"]
		if len(files) != 2 {
			t.Errorf("expected 2 answer_files, got %d", len(files))
			return
		}
		if files[0].Filename != "q1.jpg" || files[1].Filename != `we"ird.png` {
			t.Errorf("filenames = %q, %q", files[0].Filename, files[1].Filename)
		}
		f, _ := files[1].Open()
		data, _ := io.ReadAll(f)
		if string(data) != "second" {
			t.Errorf("file content = %q", data)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"question_index":0,"is_correct":true,"score":5,"max_score":5}],"total_score":5,"max_score":10}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", 5*time.Second, zerolog.Nop())
	resp, err := c.Grade(context.Background(), testSubmission())
	if err != nil {
		t.Fatalf("grade: %v", err)
	}
	if len(resp.Results) != 1 || !resp.Results[0].IsCorrect || resp.MaxScore != 10 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestClient_GradeStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 5*time.Second, zerolog.Nop())
	_, err := c.Grade(context.Background(), testSubmission())

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d", se.StatusCode)
	}
}

func TestClient_GradeRequiresResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"total_score":0}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 5*time.Second, zerolog.Nop())
	if _, err := c.Grade(context.Background(), testSubmission()); err == nil {
		t.Fatal("response without results must be rejected")
	}
}

func TestClient_GradeHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := NewClient(srv.URL, "", 5*time.Second, zerolog.Nop())
	if _, err := c.Grade(ctx, testSubmission()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
