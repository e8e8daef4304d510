package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// codeAlphabet avoids characters that are easy to misread on a printed slip.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func main() {
	var students int
	flag.IntVar(&students, "students", 5, "Number of demo students to enroll")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	examRepo := repository.NewExamRepository(pool)
	questionRepo := repository.NewQuestionRepository(pool)
	studentRepo := repository.NewStudentRepository(pool)
	attemptRepo := repository.NewAttemptRepository(pool)

	now := time.Now().UTC()
	exam := &model.Exam{
		Title:           "Simulasi Ujian Dasar Jaringan",
		Description:     "Ujian contoh untuk mencoba alur pengawasan.",
		StartDate:       now.Add(-time.Hour),
		EndDate:         now.Add(7 * 24 * time.Hour),
		Status:          model.ExamStatusPublished,
		DurationMinutes: 30,
		PassingPercent:  50,
	}
	if err := examRepo.Create(ctx, exam); err != nil {
		log.Fatal().Err(err).Msg("Failed to create exam")
	}
	log.Info().Str("exam_id", exam.ID.String()).Msg("Created demo exam")

	questions := []model.Question{
		{QuestionText: "Lapisan OSI mana yang menangani routing?", Options: []string{"Physical", "Data Link", "Network", "Transport"}, CorrectOption: 2},
		{QuestionText: "Port default HTTPS adalah?", Options: []string{"80", "443", "22", "8080"}, CorrectOption: 1},
		{QuestionText: "Protokol mana yang connectionless?", Options: []string{"TCP", "UDP"}, CorrectOption: 1, Marks: 2},
		{QuestionText: "Subnet mask /24 setara dengan?", Options: []string{"255.255.0.0", "255.255.255.0", "255.0.0.0"}, CorrectOption: 1},
	}
	for i := range questions {
		questions[i].ExamID = exam.ID
		questions[i].OrderNum = i + 1
	}
	if err := questionRepo.CreateBatch(ctx, questions); err != nil {
		log.Fatal().Err(err).Msg("Failed to create questions")
	}
	log.Info().Int("count", len(questions)).Msg("Created demo questions")

	fmt.Println()
	fmt.Println("exam_id:", exam.ID)
	for i := 0; i < students; i++ {
		email := fmt.Sprintf("siswa%02d@example.sch.id", i+1)
		student, err := studentRepo.GetByEmail(ctx, email)
		if errors.Is(err, pgx.ErrNoRows) {
			student = &model.Student{FullName: fmt.Sprintf("Siswa Demo %02d", i+1), Email: email}
			err = studentRepo.Create(ctx, student)
		}
		if err != nil {
			log.Fatal().Err(err).Str("email", email).Msg("Failed to provision student")
		}

		attempt := &model.ExamAttempt{StudentID: student.ID, ExamID: exam.ID}
		for {
			attempt.ExamCode = newExamCode()
			err = attemptRepo.Create(ctx, attempt)
			if !errors.Is(err, repository.ErrDuplicateAttempt) {
				break
			}
		}
		if err != nil {
			log.Fatal().Err(err).Str("email", email).Msg("Failed to create attempt")
		}
		fmt.Printf("  %-28s code=%s\n", email, attempt.ExamCode)
	}
	fmt.Println()
	log.Info().Int("students", students).Msg("Seed completed")
}

// newExamCode returns a code of the form XXXX-XXXX.
func newExamCode() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	var sb strings.Builder
	for i, c := range b {
		if i == 4 {
			sb.WriteByte('-')
		}
		sb.WriteByte(codeAlphabet[int(c)%len(codeAlphabet)])
	}
	code := sb.String()
	if !validator.ValidExamCode(code) {
		panic("generated exam code has invalid shape: " + code)
	}
	return code
}
