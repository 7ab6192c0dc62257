package model

// Difficulty is the declared difficulty of a question.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Valid reports whether d is one of the known difficulties.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

// Question is a single exam question as forwarded to the grading API.
type Question struct {
	QuestionText  string     `json:"question_text" binding:"required,min=1,max=4000"`
	Difficulty    Difficulty `json:"difficulty" binding:"required,difficulty"`
	QuestionImage string     `json:"question_image,omitempty" binding:"omitempty,max=2048"`
	Topic         string     `json:"topic,omitempty" binding:"omitempty,max=255"`
}
