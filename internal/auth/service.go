package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Status is the outcome of a login attempt.
type Status int

const (
	AddedNewUser Status = iota
	LoggedInSuccessfully
	WrongPassword
	AlreadyLoggedIn
	ClientAlreadyConnected
	// Failed covers store errors that say nothing about the credentials.
	Failed
)

func (s Status) String() string {
	switch s {
	case AddedNewUser:
		return "added new user"
	case LoggedInSuccessfully:
		return "logged in successfully"
	case WrongPassword:
		return "wrong password"
	case AlreadyLoggedIn:
		return "already logged in"
	case ClientAlreadyConnected:
		return "client already connected"
	default:
		return "login failed"
	}
}

// OK reports whether the attempt produced an active session.
func (s Status) OK() bool {
	return s == AddedNewUser || s == LoggedInSuccessfully
}

const defaultStoreTimeout = 5 * time.Second

// Service tracks which user each connection is logged in as. A user may
// hold at most one session and a connection at most one user.
type Service struct {
	store        Store
	tokens       *TokenVerifier
	cost         int
	storeTimeout time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	active map[string]int64
	byConn map[int64]string
}

type Option func(*Service)

// WithTokenVerifier lets a signed token stand in for the password.
func WithTokenVerifier(v *TokenVerifier) Option {
	return func(s *Service) { s.tokens = v }
}

func WithBcryptCost(cost int) Option {
	return func(s *Service) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			s.cost = cost
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:        store,
		cost:         bcrypt.DefaultCost,
		storeTimeout: defaultStoreTimeout,
		logger:       slog.Default(),
		active:       make(map[string]int64),
		byConn:       make(map[int64]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "auth"))
	return s
}

// Login authenticates username on connID, registering the user on first
// sight. Credential checks run outside the session lock.
func (s *Service) Login(connID int64, username, password string) Status {
	s.mu.Lock()
	_, busy := s.byConn[connID]
	s.mu.Unlock()
	if busy {
		return ClientAlreadyConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.storeTimeout)
	defer cancel()

	status := s.checkCredentials(ctx, username, password)
	if !status.OK() {
		s.logger.Debug("Login rejected", slog.Int64("connID", connID), slog.String("user", username), slog.String("status", status.String()))
		return status
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.byConn[connID]; busy {
		return ClientAlreadyConnected
	}
	if _, taken := s.active[username]; taken {
		return AlreadyLoggedIn
	}
	s.active[username] = connID
	s.byConn[connID] = username
	s.logger.Info("User logged in", slog.Int64("connID", connID), slog.String("user", username), slog.String("status", status.String()))
	return status
}

func (s *Service) checkCredentials(ctx context.Context, username, password string) Status {
	tokenOK := s.tokens != nil && s.tokens.Verify(password, username) == nil

	// a concurrent registration of the same name sends us around once more
	for attempt := 0; attempt < 2; attempt++ {
		hash, err := s.store.Lookup(ctx, username)
		switch {
		case err == nil:
			if tokenOK {
				return LoggedInSuccessfully
			}
			if len(hash) == 0 || bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
				return WrongPassword
			}
			return LoggedInSuccessfully

		case errors.Is(err, ErrUserNotFound):
			var newHash []byte
			if !tokenOK {
				newHash, err = bcrypt.GenerateFromPassword([]byte(password), s.cost)
				if err != nil {
					s.logger.Error("Failed to hash password", slog.String("user", username), slog.Any("error", err))
					return Failed
				}
			}
			err = s.store.Create(ctx, username, newHash)
			if err == nil {
				return AddedNewUser
			}
			if !errors.Is(err, ErrUserExists) {
				s.logger.Error("Failed to create user", slog.String("user", username), slog.Any("error", err))
				return Failed
			}

		default:
			s.logger.Error("Failed to look up user", slog.String("user", username), slog.Any("error", err))
			return Failed
		}
	}
	return Failed
}

// Logout ends the session held by connID. Unknown ids are ignored.
func (s *Service) Logout(connID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	username, ok := s.byConn[connID]
	if !ok {
		return
	}
	delete(s.byConn, connID)
	delete(s.active, username)
	s.logger.Info("User logged out", slog.Int64("connID", connID), slog.String("user", username))
}

// ActiveUser returns the user logged in on connID.
func (s *Service) ActiveUser(connID int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	username, ok := s.byConn[connID]
	return username, ok
}
