package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/supabase06-cpu/posv1/internal/domain"
	"github.com/supabase06-cpu/posv1/internal/localstore"
	"github.com/supabase06-cpu/posv1/internal/service"
	"github.com/supabase06-cpu/posv1/internal/store"
)

// SessionKey holds the signed-in cashier's session on the device.
const SessionKey = "auth/session"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInactiveAccount    = errors.New("account is inactive")
	ErrAuthUnavailable    = errors.New("sign-in is unavailable while the backend is unreachable")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// UserDirectory is the part of the remote backend sign-in needs.
type UserDirectory interface {
	GetUserByEmail(ctx context.Context, email string) (*domain.UserProfile, error)
}

type AuthManager struct {
	secret     []byte
	tokenTTL   time.Duration
	managerPIN string
	users      UserDirectory
	sessions   localstore.Store
	now        func() time.Time

	mu sync.Mutex
}

type posCustomClaims struct {
	jwtlib.RegisteredClaims
	Role    string `json:"role"`
	StoreID string `json:"store_id"`
	Email   string `json:"email"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, managerPIN string, users UserDirectory, sessions localstore.Store) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	managerPIN = strings.TrimSpace(managerPIN)
	if managerPIN != "" {
		if hashed, err := hashPassword(managerPIN); err == nil {
			managerPIN = hashed
		} else {
			managerPIN = ""
		}
	}

	return &AuthManager{
		secret:     []byte(secret),
		tokenTTL:   tokenTTL,
		managerPIN: managerPIN,
		users:      users,
		sessions:   sessions,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SignIn checks the credentials against the remote user directory and
// persists the resulting session so it survives restarts and offline use.
func (a *AuthManager) SignIn(ctx context.Context, req domain.LoginRequest) (domain.Session, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := service.Validate(req); err != nil {
		return domain.Session{}, err
	}

	user, err := a.users.GetUserByEmail(ctx, req.Email)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return domain.Session{}, ErrInvalidCredentials
	case err != nil:
		log.Warn().Err(err).Str("component", "auth").Msg("user lookup failed")
		return domain.Session{}, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}

	if !verifyPassword(user.PasswordHash, req.Password) {
		return domain.Session{}, ErrInvalidCredentials
	}
	if !user.IsActive {
		return domain.Session{}, ErrInactiveAccount
	}

	profile := *user
	profile.PasswordHash = ""
	expiresAt := a.now().Add(a.tokenTTL)
	token, err := a.sign(profile, expiresAt)
	if err != nil {
		return domain.Session{}, err
	}

	session := domain.Session{AccessToken: token, User: profile, ExpiresAt: expiresAt}
	a.mu.Lock()
	err = localstore.WriteJSON(ctx, a.sessions, SessionKey, session)
	a.mu.Unlock()
	if err != nil {
		// The token is still usable for this run.
		log.Warn().Err(err).Str("component", "auth").Msg("session not persisted")
	}

	log.Info().Str("component", "auth").Str("user_id", profile.ID).Str("role", profile.Role).Msg("signed in")
	return session, nil
}

// GetSession returns the persisted session, or nil when nobody is signed in
// or the stored token has expired.
func (a *AuthManager) GetSession(ctx context.Context) (*domain.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var session domain.Session
	found, err := localstore.ReadJSON(ctx, a.sessions, SessionKey, &session)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	if _, err := a.ParseToken(session.AccessToken); err != nil {
		if rmErr := a.sessions.Remove(ctx, SessionKey); rmErr != nil {
			log.Warn().Err(rmErr).Str("component", "auth").Msg("stale session not removed")
		}
		return nil, nil
	}
	return &session, nil
}

func (a *AuthManager) SignOut(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions.Remove(ctx, SessionKey)
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &posCustomClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithTimeFunc(a.now))
	if err != nil || !token.Valid {
		return domain.Actor{}, ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{UserID: sub, Email: claims.Email, Role: claims.Role, StoreID: claims.StoreID}, nil
}

func (a *AuthManager) sign(user domain.UserProfile, expiresAt time.Time) (string, error) {
	claims := posCustomClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwtlib.NewNumericDate(a.now()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "posync",
		},
		Role:    user.Role,
		StoreID: user.StoreID,
		Email:   user.Email,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateManagerPIN reports whether pin matches the configured manager PIN.
// It is always false when no PIN is configured.
func (a *AuthManager) ValidateManagerPIN(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" || !isPasswordHash(a.managerPIN) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.managerPIN), []byte(input)) == nil
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
