package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/meridianex/exchange/internal/models"
)

// UserStore is the user persistence the auth service needs. Both the
// postgres and the in-memory store satisfy it.
type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
}

// Claims identifies an authenticated caller.
type Claims struct {
	UserID  int
	IsAdmin bool
}

// AuthService handles user registration, login and token verification.
type AuthService struct {
	store    UserStore
	secret   []byte
	tokenTTL time.Duration
}

// NewAuthService creates a new auth service signing tokens with secret.
func NewAuthService(store UserStore, secret string, tokenTTL time.Duration) *AuthService {
	return &AuthService{store: store, secret: []byte(secret), tokenTTL: tokenTTL}
}

// Register creates a new user with hashed password
func (s *AuthService) Register(ctx context.Context, username, password string) (*models.User, error) {
	if username == "" {
		return nil, &models.ValidationError{Field: "username", Reason: "cannot be empty"}
	}
	if password == "" {
		return nil, &models.ValidationError{Field: "password", Reason: "cannot be empty"}
	}
	if len(username) > 50 {
		return nil, &models.ValidationError{Field: "username", Reason: "too long (max 50 characters)"}
	}
	if len(password) > 100 {
		return nil, &models.ValidationError{Field: "password", Reason: "too long (max 100 characters)"}
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user, err := s.store.CreateUser(ctx, username, string(hashedPassword))
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Login verifies credentials and generates a JWT
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  user.ID,
		"username": user.Username,
		"is_admin": user.IsAdmin,
		"exp":      time.Now().Add(s.tokenTTL).Unix(),
	})

	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// VerifyToken parses and validates a JWT, returning the caller's claims.
func (s *AuthService) VerifyToken(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return Claims{}, err
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, fmt.Errorf("invalid token")
	}
	userID, ok := mapClaims["user_id"].(float64)
	if !ok {
		return Claims{}, fmt.Errorf("token missing user_id")
	}
	isAdmin, _ := mapClaims["is_admin"].(bool)
	return Claims{UserID: int(userID), IsAdmin: isAdmin}, nil
}
