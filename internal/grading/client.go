package grading

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-examtaker/internal/model"
)

// maxErrorBody caps how much of a failed response is kept for logging.
const maxErrorBody = 4 << 10

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// StatusError is returned when the grading API answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("grading API error (status %d): %s", e.StatusCode, e.Body)
}

// Client posts exam submissions to the external grading endpoint as multipart forms.
type Client struct {
	httpClient *http.Client
	url        string
	apiKey     string
	log        zerolog.Logger
}

// NewClient creates a grading Client. The timeout applies to the whole request,
// including the upload of all evidence files.
func NewClient(url, apiKey string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		url:        url,
		apiKey:     apiKey,
		log:        log.With().Str("component", "grading_client").Logger(),
	}
}

// questionPart is the JSON shape of one entry of the "questions" form field.
type questionPart struct {
	QuestionText  string `json:"question_text"`
	Difficulty    string `json:"difficulty"`
	QuestionImage string `json:"question_image,omitempty"`
	Topic         string `json:"topic,omitempty"`
}

// Grade sends the submission and decodes the evaluation. The response is only
// checked for the presence of per-question results.
func (c *Client) Grade(ctx context.Context, sub *model.Submission) (*model.GradingResponse, error) {
	body, contentType, err := EncodeSubmission(sub)
	if err != nil {
		return nil, fmt.Errorf("encode submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("grading request: %w", err)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("session_id", sub.SessionID).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("Grading API responded")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var out model.GradingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode grading response: %w", err)
	}
	if out.Results == nil {
		return nil, fmt.Errorf("grading response missing results")
	}
	return &out, nil
}

// EncodeSubmission renders the multipart form: class_id, subject_id, repeated
// chapters, the JSON "questions" array and one "answer_files" part per image.
func EncodeSubmission(sub *model.Submission) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	fields := [][2]string{
		{"class_id", strconv.Itoa(sub.Metadata.ClassID)},
		{"subject_id", strconv.Itoa(sub.Metadata.SubjectID)},
	}
	for _, ch := range sub.Metadata.ChapterIDs {
		fields = append(fields, [2]string{"chapters", strconv.Itoa(ch)})
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}

	questions := make([]questionPart, len(sub.Questions))
	for i, q := range sub.Questions {
		questions[i] = questionPart{
			QuestionText:  q.QuestionText,
			Difficulty:    string(q.Difficulty),
			QuestionImage: q.QuestionImage,
			Topic:         q.Topic,
		}
	}
	encoded, err := json.Marshal(questions)
	if err != nil {
		return nil, "", err
	}
	if err := w.WriteField("questions", string(encoded)); err != nil {
		return nil, "", err
	}

	for _, img := range sub.Files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name="answer_files"; filename="%s"`, quoteEscaper.Replace(img.Filename)))
		ct := img.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)

		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(img.Data); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}
