package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/KevinKickass/OpenSensorCore/internal/config"
	"go.uber.org/zap"
)

type Permission string

const (
	PermView    Permission = "view"
	PermControl Permission = "control"
	PermAdmin   Permission = "admin"
)

type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleViewer, RoleOperator, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role: %s", s)
	}
}

// Permissions returns what a role may do. Unknown roles get nothing.
func (r Role) Permissions() []Permission {
	switch r {
	case RoleAdmin:
		return []Permission{PermView, PermControl, PermAdmin}
	case RoleOperator:
		return []Permission{PermView, PermControl}
	case RoleViewer:
		return []Permission{PermView}
	default:
		return nil
	}
}

func (r Role) Has(p Permission) bool {
	return slices.Contains(r.Permissions(), p)
}

var ErrInvalidCredentials = errors.New("invalid credentials")

type user struct {
	passwordHash string
	role         Role
}

// Service issues and checks access tokens for the control API.
type Service struct {
	jwtHandler     *JWTHandler
	passwordHasher *PasswordHasher
	users          map[string]user
	logger         *zap.Logger
}

func NewService(cfg config.AuthConfig, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		jwtHandler:     NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL),
		passwordHasher: NewPasswordHasher(),
		users:          make(map[string]user, len(cfg.Users)),
		logger:         logger.Named("auth"),
	}

	for name, u := range cfg.Users {
		role, err := ParseRole(u.Role)
		if err != nil {
			return nil, fmt.Errorf("auth.users.%s: %w", name, err)
		}
		s.users[strings.ToLower(name)] = user{passwordHash: u.PasswordHash, role: role}
	}

	if !cfg.IsProductionReady() {
		s.logger.Warn("JWT secret is not production ready",
			zap.String("env", cfg.JWTSecretEnv))
	}
	return s, nil
}

// Login checks a configured user's password and returns an access token.
func (s *Service) Login(username, password string) (string, time.Time, error) {
	u, ok := s.users[strings.ToLower(username)]
	if !ok {
		s.logger.Info("Login failed", zap.String("username", username), zap.String("reason", "unknown user"))
		return "", time.Time{}, ErrInvalidCredentials
	}

	valid, err := s.passwordHasher.VerifyPassword(password, u.passwordHash)
	if err != nil || !valid {
		s.logger.Info("Login failed", zap.String("username", username), zap.String("reason", "password"))
		return "", time.Time{}, ErrInvalidCredentials
	}

	s.logger.Info("Login succeeded", zap.String("username", username), zap.String("role", string(u.role)))
	return s.jwtHandler.GenerateAccessToken(username, u.role)
}

// IssueToken signs a token without a password check, for tooling.
func (s *Service) IssueToken(subject string, role Role) (string, time.Time, error) {
	return s.jwtHandler.GenerateAccessToken(subject, role)
}

func (s *Service) ValidateToken(token string) (*JWTClaims, error) {
	return s.jwtHandler.ValidateAccessToken(token)
}

// HashPassword produces a hash suitable for auth.users.<name>.password_hash.
func (s *Service) HashPassword(password string) (string, error) {
	return s.passwordHasher.HashPassword(password)
}
