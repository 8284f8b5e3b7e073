package services

import (
	"errors"
	"time"

	"peercall/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// AuthService issues and checks the tokens participants present to the relay.
type AuthService interface {
	GenerateToken(participantID domain.ParticipantID, displayName string) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
}

type Claims struct {
	ParticipantID domain.ParticipantID `json:"participant_id"`
	DisplayName   string               `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret []byte
	tokenTTL  time.Duration
	issuer    string
}

func NewAuthService(jwtSecret string, tokenTTL time.Duration, issuer string) AuthService {
	return &authService{
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
		issuer:    issuer,
	}
}

func (s *authService) GenerateToken(participantID domain.ParticipantID, displayName string) (string, error) {
	if participantID == "" {
		return "", domain.ErrInvalidParticipant
	}

	now := time.Now()
	claims := &Claims{
		ParticipantID: participantID,
		DisplayName:   displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(participantID),
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.ParticipantID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
