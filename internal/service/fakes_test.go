package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

type memStudents map[string]*model.Student

func (m memStudents) GetByEmail(_ context.Context, email string) (*model.Student, error) {
	s, ok := m[email]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *s
	return &cp, nil
}

type memExams map[uuid.UUID]*model.Exam

func (m memExams) GetByID(_ context.Context, id uuid.UUID) (*model.Exam, error) {
	e, ok := m[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *e
	return &cp, nil
}

type memQuestions map[uuid.UUID][]model.Question

func (m memQuestions) ListByExam(_ context.Context, examID uuid.UUID) ([]model.Question, error) {
	return append([]model.Question(nil), m[examID]...), nil
}

// memAttempts mimics the repository's optimistic version check.
type memAttempts struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]*model.ExamAttempt
	updates int
	// beforeUpdate runs inside Update before the version check.
	beforeUpdate func(a *model.ExamAttempt)
}

func newMemAttempts(rows ...*model.ExamAttempt) *memAttempts {
	m := &memAttempts{rows: map[uuid.UUID]*model.ExamAttempt{}}
	for _, r := range rows {
		m.rows[r.ID] = cloneAttempt(r)
	}
	return m
}

func cloneAttempt(a *model.ExamAttempt) *model.ExamAttempt {
	cp := *a
	cp.Answers = append([]model.Answer(nil), a.Answers...)
	cp.QuestionOrder = append([]uuid.UUID(nil), a.QuestionOrder...)
	return &cp
}

func (m *memAttempts) GetByID(_ context.Context, id uuid.UUID) (*model.ExamAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return cloneAttempt(a), nil
}

func (m *memAttempts) GetByStudentAndExam(_ context.Context, studentID int, examID uuid.UUID) (*model.ExamAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.rows {
		if a.StudentID == studentID && a.ExamID == examID {
			return cloneAttempt(a), nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *memAttempts) Update(_ context.Context, a *model.ExamAttempt, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[a.ID]
	if !ok {
		return pgx.ErrNoRows
	}
	if m.beforeUpdate != nil {
		m.beforeUpdate(cur)
	}
	if cur.Version != expectedVersion {
		return repository.ErrStaleAttempt
	}
	next := cloneAttempt(a)
	next.Version = expectedVersion + 1
	m.rows[a.ID] = next
	a.Version = next.Version
	m.updates++
	return nil
}

func (m *memAttempts) get(id uuid.UUID) *model.ExamAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneAttempt(m.rows[id])
}

type fakeSessions struct {
	issued int
}

func (f *fakeSessions) IssueStudentSession(_ context.Context, studentID int, attemptID, _ uuid.UUID) (*model.SessionTokens, error) {
	f.issued++
	return &model.SessionTokens{
		AccessToken:  "access-" + attemptID.String(),
		RefreshToken: "refresh-" + attemptID.String(),
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

type fakeEvents struct {
	mu         sync.Mutex
	orders     []repository.QuestionOrder
	violations []model.ViolationRecord
}

func (f *fakeEvents) EnqueueQuestionOrder(_ context.Context, order repository.QuestionOrder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, order)
	return nil
}

func (f *fakeEvents) EnqueueViolations(_ context.Context, records []model.ViolationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.violations = append(f.violations, records...)
	return nil
}
