package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"rehoboth/internal/repositories"

	"github.com/dgrijalva/jwt-go"
)

// AuthService validates bearer tokens and resolves them to a Requester.
type AuthService struct {
	userRepo   repositories.UserRepository
	jwtSecret  []byte
	tokenDurat time.Duration // Duration for which JWT is valid
}

// NewAuthService creates a new AuthService.
func NewAuthService(userRepo repositories.UserRepository, jwtSecret string) *AuthService {
	return &AuthService{
		userRepo:   userRepo,
		jwtSecret:  []byte(jwtSecret),
		tokenDurat: 30 * 24 * time.Hour,
	}
}

// GenerateToken signs a token for an existing user. Tokens are normally issued by the account
// service; this is used by ordersctl and tests.
func (s *AuthService) GenerateToken(ctx context.Context, userID string) (string, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to load user %s: %w", userID, err)
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":  user.ID,
		"exp": now.Add(s.tokenDurat).Unix(),
		"iat": now.Unix(),
	})
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return tokenString, nil
}

// ValidateToken parses and validates a JWT token, returning the claims if valid.
func (s *AuthService) ValidateToken(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		slog.Debug("Token validation error", "error", err)
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}

// Authenticate validates the token and loads its user, whose admin flag is read from storage
// rather than trusted from the token.
func (s *AuthService) Authenticate(ctx context.Context, tokenString string) (Requester, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return Requester{}, err
	}
	userID, _ := claims["id"].(string)
	if userID == "" {
		return Requester{}, fmt.Errorf("invalid token: missing user id")
	}
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return Requester{}, fmt.Errorf("user not found: %w", err)
	}
	return Requester{UserID: user.ID, IsAdmin: user.IsAdmin}, nil
}
