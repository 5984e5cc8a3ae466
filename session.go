package donneur

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role is the account type of a signed-in user.
type Role string

const (
	RoleOrganization Role = "organization"
	RoleReceiver     Role = "receiver"
	RoleSender       Role = "sender"
)

// User is the signed-in account.
type User struct {
	ID          string
	DisplayName string
	Role        Role
	AvatarURL   string
}

type closer interface {
	Close()
}

// Session is one signed-in user. Screens opened under it are torn down when
// the session is closed on sign-out.
type Session struct {
	mu        sync.Mutex
	user      User
	token     string
	expiresAt time.Time
	closed    bool
	screens   map[closer]struct{}
}

// NewSession starts a session for user. When token is a JWT its expiry is
// read without verifying the signature; the backend does the verifying.
func NewSession(user User, token string) (*Session, error) {
	if user.ID == "" {
		return nil, ErrUnauthenticated
	}
	s := &Session{user: user, token: token, screens: make(map[closer]struct{})}
	if token != "" {
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
			if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
				s.expiresAt = exp.Time
			}
		}
	}
	return s, nil
}

func (s *Session) User() User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *Session) UserID() string {
	return s.User().ID
}

func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// ExpiresAt is the token expiry, zero when unknown.
func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

func (s *Session) Expired(now time.Time) bool {
	exp := s.ExpiresAt()
	return !exp.IsZero() && !now.Before(exp)
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Client returns a REST client authenticated as this session.
func (s *Session) Client(opts ...ClientOption) *Client {
	return NewClient(s.Token(), opts...)
}

func (s *Session) track(c closer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.screens[c] = struct{}{}
	return nil
}

func (s *Session) untrack(c closer) {
	s.mu.Lock()
	delete(s.screens, c)
	s.mu.Unlock()
}

// Close signs out: every open screen is closed and no new one can open.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	screens := make([]closer, 0, len(s.screens))
	for c := range s.screens {
		screens = append(screens, c)
	}
	s.screens = make(map[closer]struct{})
	s.mu.Unlock()

	for _, c := range screens {
		c.Close()
	}
}
