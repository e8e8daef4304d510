package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/apperr"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Common auth errors.
var (
	ErrNoActiveSession    = errors.New("no active session")
	ErrSessionInvalidated = errors.New("session invalidated")
	ErrWrongTokenType     = errors.New("wrong token type")
)

// TokenType distinguishes access and refresh tokens.
type TokenType string

const (
	TokenTypeStudent TokenType = "student"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims extends JWT standard claims with app-specific fields.
type Claims struct {
	jwt.RegisteredClaims
	TokenType TokenType `json:"token_type"`
	UserID    int       `json:"user_id"`
	AttemptID string    `json:"attempt_id"`
	ExamID    string    `json:"exam_id"`
}

// AuthService handles JWT issuance and the single-device session registry.
// A new login replaces the previous session, so the newest device wins and
// older tokens fail ValidateStudentSession.
type AuthService struct {
	cfg *config.Config
	rdb redis.Cmdable
	now func() time.Time
}

// NewAuthService creates a new AuthService.
func NewAuthService(cfg *config.Config, rdb redis.Cmdable) *AuthService {
	return &AuthService{cfg: cfg, rdb: rdb, now: time.Now}
}

// IssueStudentSession creates an access/refresh token pair bound to one
// attempt and registers the access token as the student's only live session.
func (s *AuthService) IssueStudentSession(ctx context.Context, studentID int, attemptID, examID uuid.UUID) (*model.SessionTokens, error) {
	now := s.now()
	accessJTI := uuid.New().String()
	refreshJTI := uuid.New().String()

	access, err := s.sign(Claims{
		RegisteredClaims: registered(accessJTI, studentID, now, s.cfg.JWTExpiry),
		TokenType:        TokenTypeStudent,
		UserID:           studentID,
		AttemptID:        attemptID.String(),
		ExamID:           examID.String(),
	})
	if err != nil {
		return nil, err
	}

	refresh, err := s.sign(Claims{
		RegisteredClaims: registered(refreshJTI, studentID, now, s.cfg.RefreshExpiry),
		TokenType:        TokenTypeRefresh,
		UserID:           studentID,
		AttemptID:        attemptID.String(),
		ExamID:           examID.String(),
	})
	if err != nil {
		return nil, err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, config.CacheKey.StudentSessionKey(studentID), accessJTI, s.cfg.JWTExpiry)
	pipe.Set(ctx, config.CacheKey.RefreshTokenKey(refreshJTI), studentID, s.cfg.RefreshExpiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	return &model.SessionTokens{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    now.Add(s.cfg.JWTExpiry),
	}, nil
}

// Refresh rotates a refresh token into a new token pair. Each refresh token
// can be used once.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*model.SessionTokens, error) {
	claims, err := s.ValidateToken(refreshToken)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthorized, apperr.ReasonSessionExpired, err)
	}
	if claims.TokenType != TokenTypeRefresh {
		return nil, apperr.Wrap(apperr.KindUnauthorized, apperr.ReasonSessionExpired, ErrWrongTokenType)
	}

	removed, err := s.rdb.Del(ctx, config.CacheKey.RefreshTokenKey(claims.ID)).Result()
	if err != nil {
		return nil, fmt.Errorf("consume refresh token: %w", err)
	}
	if removed == 0 {
		return nil, apperr.Wrap(apperr.KindUnauthorized, apperr.ReasonSessionExpired, ErrSessionInvalidated)
	}

	attemptID, err := uuid.Parse(claims.AttemptID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthorized, apperr.ReasonSessionExpired, err)
	}
	examID, err := uuid.Parse(claims.ExamID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthorized, apperr.ReasonSessionExpired, err)
	}

	return s.IssueStudentSession(ctx, claims.UserID, attemptID, examID)
}

// ValidateToken parses and validates a JWT, returning the claims.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}

// ValidateStudentSession checks that the token's JTI matches the active session in Redis.
func (s *AuthService) ValidateStudentSession(ctx context.Context, studentID int, jti string) error {
	sessionKey := config.CacheKey.StudentSessionKey(studentID)
	stored, err := s.rdb.Get(ctx, sessionKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNoActiveSession
		}
		return fmt.Errorf("check session: %w", err)
	}
	if stored != jti {
		return ErrSessionInvalidated
	}
	return nil
}

// ResetStudentSession removes a student's session from Redis.
func (s *AuthService) ResetStudentSession(ctx context.Context, studentID int) error {
	sessionKey := config.CacheKey.StudentSessionKey(studentID)
	return s.rdb.Del(ctx, sessionKey).Err()
}

func (s *AuthService) sign(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func registered(jti string, studentID int, now time.Time, ttl time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		ID:        jti,
		Subject:   strconv.Itoa(studentID),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}
