package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"

	"wagateway/internal/apperr"
	"wagateway/internal/model"
	"wagateway/internal/repository"
)

var errInvalidLogin = apperr.Authentication("invalid credentials")

// Claims is the bearer token body. Every tenant-scoped query takes its
// tenant from here, never from the request.
type Claims struct {
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

type AuthService struct {
	users      *repository.UserRepository
	signingKey []byte
	ttl        time.Duration
	now        func() time.Time
}

func NewAuthService(users *repository.UserRepository, secret string, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &AuthService{
		users:      users,
		signingKey: []byte(secret),
		ttl:        ttl,
		now:        time.Now,
	}
}

// HashPassword hashes a plaintext password with bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Login checks email and password and issues a token. Unknown email and wrong
// password fail identically.
func (s *AuthService) Login(ctx context.Context, email, password string) (string, error) {
	user, err := s.users.GetByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, repository.ErrUserNotFound) {
		return "", errInvalidLogin
	}
	if err != nil {
		return "", fmt.Errorf("lookup user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return "", errInvalidLogin
	}
	return s.Issue(user.ID, user.TenantID, user.Role)
}

func (s *AuthService) Issue(userID, tenantID, role string) (string, error) {
	now := s.now()
	claims := Claims{
		UserID:   userID,
		TenantID: tenantID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
}

// Parse validates a token and returns its claims.
func (s *AuthService) Parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return nil, apperr.Authentication("invalid token")
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.TenantID == "" {
		return nil, apperr.Authentication("invalid token")
	}
	return claims, nil
}

// Refresh reissues a still valid token with a fresh expiry.
func (s *AuthService) Refresh(token string) (string, error) {
	claims, err := s.Parse(token)
	if err != nil {
		return "", err
	}
	return s.Issue(claims.UserID, claims.TenantID, claims.Role)
}

func (s *AuthService) Me(ctx context.Context, claims *Claims) (*model.User, error) {
	user, err := s.users.GetByID(ctx, claims.UserID)
	if errors.Is(err, repository.ErrUserNotFound) {
		return nil, apperr.NotFound("user", claims.UserID)
	}
	return user, err
}
