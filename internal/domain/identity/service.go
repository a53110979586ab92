package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/middec/middec/internal/platform/auth"
)

const minPasswordLength = 6

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrInvalidInput wraps every registration and profile validation failure.
	ErrInvalidInput = errors.New("invalid input")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

type Service struct {
	users       UserRepository
	issuer      *auth.TokenIssuer
	revocations *auth.TokenRevocationStore
	logger      zerolog.Logger
	hashCost    int
}

func NewService(users UserRepository, issuer *auth.TokenIssuer, revocations *auth.TokenRevocationStore, logger zerolog.Logger) *Service {
	return &Service{
		users:       users,
		issuer:      issuer,
		revocations: revocations,
		logger:      logger.With().Str("component", "identity").Logger(),
		hashCost:    bcrypt.DefaultCost,
	}
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Surname = strings.TrimSpace(req.Surname)
	req.Email = strings.TrimSpace(req.Email)

	switch {
	case req.Name == "" || req.Surname == "":
		return nil, invalid("name and surname are required")
	case !req.Job.Valid():
		return nil, invalid("job must be Midwife, Physician or Nurse")
	case req.Email == "":
		return nil, invalid("email is required")
	case len(req.Password) < minPasswordLength:
		return nil, invalid("password must be at least %d characters", minPasswordLength)
	case req.Password != req.ConfirmPassword:
		return nil, invalid("passwords do not match")
	case !req.AcceptedTerms:
		return nil, invalid("the user agreement must be accepted")
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return nil, invalid("email is not valid")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.hashCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &User{
		Name:         req.Name,
		Surname:      req.Surname,
		Job:          req.Job,
		Email:        req.Email,
		Institution:  strings.TrimSpace(req.Institution),
		PasswordHash: string(hash),
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", u.ID.String()).Str("job", string(u.Job)).Msg("user registered")
	return u, nil
}

// Login checks the credentials and issues an access token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*User, *auth.IssuedToken, error) {
	u, err := s.users.GetByEmail(ctx, strings.TrimSpace(req.Email))
	if errors.Is(err, ErrNotFound) {
		return nil, nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)); err != nil {
		s.logger.Warn().Str("user_id", u.ID.String()).Msg("failed login")
		return nil, nil, ErrInvalidCredentials
	}
	tok, err := s.issuer.Issue(u.ID.String(), u.FullName(), u.Roles())
	if err != nil {
		return nil, nil, err
	}
	return u, tok, nil
}

func (s *Service) Me(ctx context.Context, userID string) (*User, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return nil, ErrNotFound
	}
	return s.users.GetByID(ctx, id)
}

func (s *Service) UpdateProfile(ctx context.Context, userID string, upd ProfileUpdate) (*User, error) {
	u, err := s.Me(ctx, userID)
	if err != nil {
		return nil, err
	}
	if upd.Job != "" && !upd.Job.Valid() {
		return nil, invalid("job must be Midwife, Physician or Nurse")
	}
	if v := strings.TrimSpace(upd.Name); v != "" {
		u.Name = v
	}
	if v := strings.TrimSpace(upd.Surname); v != "" {
		u.Surname = v
	}
	if v := strings.TrimSpace(upd.Institution); v != "" {
		u.Institution = v
	}
	if upd.Job != "" {
		u.Job = upd.Job
	}
	if err := s.users.Update(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Logout revokes the presented token until it would have expired.
func (s *Service) Logout(jti string, expiresAt time.Time) {
	if jti == "" || s.revocations == nil {
		return
	}
	s.revocations.Revoke(jti, expiresAt)
}
