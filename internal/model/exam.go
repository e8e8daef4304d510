package model

import (
	"time"

	"github.com/google/uuid"
)

// ExamStatus enumerates the possible states of an exam.
type ExamStatus string

const (
	ExamStatusDraft     ExamStatus = "DRAFT"
	ExamStatusPublished ExamStatus = "PUBLISHED"
	ExamStatusCompleted ExamStatus = "COMPLETED"
	ExamStatusCancelled ExamStatus = "CANCELLED"
)

// Exam is the exam definition. It is read-only for the attempt engine.
type Exam struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	StartDate       time.Time  `json:"start_date"`
	EndDate         time.Time  `json:"end_date"`
	Status          ExamStatus `json:"status"`
	DurationMinutes int        `json:"duration_minutes"`
	// PassingPercent is the share of total marks needed to pass, 0-100.
	PassingPercent float64   `json:"passing_percent"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ClosedAt reports whether the exam no longer accepts entry at now.
func (e *Exam) ClosedAt(now time.Time) bool {
	return e.Status == ExamStatusCancelled || now.After(e.EndDate)
}

// DurationSeconds is the countdown length for one attempt.
func (e *Exam) DurationSeconds() int {
	return e.DurationMinutes * 60
}
