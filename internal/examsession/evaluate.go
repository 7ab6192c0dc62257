package examsession

import (
	"github.com/stemsi/exstem-examtaker/internal/model"
)

// Outcome is the one evaluation rule used for every count: a question without
// an answer marker is unanswered, whatever the grader returned for it;
// otherwise the grader decides between correct and incorrect.
func Outcome(status model.AnswerStatus, graded *model.GradedQuestion) model.QuestionOutcome {
	if status != model.AnswerEvidence {
		return model.OutcomeUnanswered
	}
	if graded != nil && graded.IsCorrect {
		return model.OutcomeCorrect
	}
	return model.OutcomeIncorrect
}

// evaluate merges the grader's response with the local session data.
func evaluate(
	sub *model.Submission,
	answers map[int]model.AnswerStatus,
	flagged map[int]struct{},
	resp *model.GradingResponse,
) ([]model.QuestionResult, model.ResultSummary) {
	graded := make(map[int]*model.GradedQuestion, len(resp.Results))
	for i := range resp.Results {
		g := &resp.Results[i]
		if g.QuestionIndex >= 0 && g.QuestionIndex < len(sub.Questions) {
			graded[g.QuestionIndex] = g
		}
	}

	summary := model.ResultSummary{TotalQuestions: len(sub.Questions)}
	results := make([]model.QuestionResult, 0, len(sub.Questions))

	var score, maxScore float64
	for i, q := range sub.Questions {
		g := graded[i]
		_, isFlagged := flagged[i]

		r := model.QuestionResult{
			Index:          i,
			Question:       q,
			Outcome:        Outcome(answers[i], g),
			ElapsedSeconds: sub.QuestionTimers[i],
			Flagged:        isFlagged,
		}
		if g != nil {
			r.MaxScore = g.MaxScore
			r.Feedback = g.Feedback
			if r.Outcome != model.OutcomeUnanswered {
				r.Score = g.Score
			}
		}

		switch r.Outcome {
		case model.OutcomeCorrect:
			summary.Correct++
		case model.OutcomeIncorrect:
			summary.Incorrect++
		default:
			summary.Unanswered++
		}
		if isFlagged {
			summary.Flagged++
		}

		score += r.Score
		maxScore += r.MaxScore
		results = append(results, r)
	}

	// Aggregate totals from the grader win when present.
	summary.TotalScore, summary.MaxScore = score, maxScore
	if resp.MaxScore > 0 {
		summary.TotalScore, summary.MaxScore = resp.TotalScore, resp.MaxScore
	}
	if summary.MaxScore > 0 {
		summary.Percentage = summary.TotalScore / summary.MaxScore * 100
	}

	return results, summary
}
