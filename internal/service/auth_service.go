package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-engine/internal/config"
)

// TokenType distinguishes candidate vs proctor tokens.
type TokenType string

const (
	TokenTypeCandidate TokenType = "candidate"
	TokenTypeProctor   TokenType = "proctor"
)

// Claims extends JWT standard claims with app-specific fields. Tokens are
// minted by the external identity provider (or cmd/issue-token in dev);
// the engine only verifies them.
type Claims struct {
	jwt.RegisteredClaims
	TokenType   TokenType `json:"token_type"`
	CandidateID string    `json:"candidate_id,omitempty"`
	Role        string    `json:"role,omitempty"`
}

// Candidate returns the identity carried by a candidate token.
func (c *Claims) Candidate() Candidate {
	return Candidate{ID: c.CandidateID, Role: c.Role}
}

// AuthService issues and validates JWTs.
type AuthService struct {
	cfg *config.Config
}

// NewAuthService creates a new AuthService.
func NewAuthService(cfg *config.Config) *AuthService {
	return &AuthService{cfg: cfg}
}

// GenerateCandidateToken creates a JWT for a candidate.
func (s *AuthService) GenerateCandidateToken(candidateID, role string) (string, error) {
	if candidateID == "" {
		return "", ErrMissingCandidate
	}
	return s.sign(Claims{
		RegisteredClaims: s.registered(candidateID),
		TokenType:        TokenTypeCandidate,
		CandidateID:      candidateID,
		Role:             role,
	})
}

// GenerateProctorToken creates a JWT for a proctor watching live monitor events.
func (s *AuthService) GenerateProctorToken(subject string) (string, error) {
	return s.sign(Claims{
		RegisteredClaims: s.registered(subject),
		TokenType:        TokenTypeProctor,
	})
}

func (s *AuthService) registered(subject string) jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		ID:        uuid.New().String(),
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWTExpiry)),
	}
}

func (s *AuthService) sign(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.TokenType == TokenTypeCandidate && claims.CandidateID == "" {
		return nil, ErrMissingCandidate
	}

	return claims, nil
}
