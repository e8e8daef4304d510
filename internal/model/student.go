package model

import "time"

// Student represents a test-taker. Students are provisioned externally and
// authenticate with their email plus the access code of one attempt.
type Student struct {
	ID        int       `json:"id"`
	FullName  string    `json:"full_name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LoginRequest is the payload for entering a specific exam.
type LoginRequest struct {
	ExamID   string `json:"exam_id" binding:"required,uuid"`
	Email    string `json:"email" binding:"required,email,max=254"`
	ExamCode string `json:"exam_code" binding:"required,examcode"`
}

// SessionTokens is the credential pair issued on login.
type SessionTokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// LoginResponse is returned after a successful login.
type LoginResponse struct {
	User          Student          `json:"user"`
	ExamAttemptID string           `json:"exam_attempt_id"`
	Tokens        SessionTokens    `json:"session_tokens"`
	Proctor       *ProctorSettings `json:"proctor,omitempty"`
}

// RefreshRequest exchanges a refresh token for a new access token.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}
