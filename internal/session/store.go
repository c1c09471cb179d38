package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"finet/internal/core"
)

// Persisted keys. They are always written together and cleared together.
const (
	KeyToken     = "finet_auth_token"
	KeyUser      = "finet_user"
	KeyLoginTime = "finet_login_time"
)

// ErrNoSession is returned by a Store that holds no token.
var ErrNoSession = errors.New("no session")

// Record is the persisted session.
type Record struct {
	Token     string
	User      core.User
	LoginTime time.Time
}

// Store persists a single session record.
type Store interface {
	Load(ctx context.Context) (Record, error)
	Save(ctx context.Context, rec Record) error
	Clear(ctx context.Context) error
}

// Keys returns the token, user and login time keys, prefixed with
// namespace when one is set.
func Keys(namespace string) (token, user, loginTime string) {
	if namespace == "" {
		return KeyToken, KeyUser, KeyLoginTime
	}
	p := namespace + ":"
	return p + KeyToken, p + KeyUser, p + KeyLoginTime
}

// Encode renders a record as the three stored string values. The login
// time is epoch milliseconds.
func Encode(rec Record) (token, user, loginTime string, err error) {
	b, err := json.Marshal(rec.User)
	if err != nil {
		return "", "", "", fmt.Errorf("encode user: %w", err)
	}
	if !rec.LoginTime.IsZero() {
		loginTime = strconv.FormatInt(rec.LoginTime.UnixMilli(), 10)
	}
	return rec.Token, string(b), loginTime, nil
}

// Decode parses the three stored values. A missing token yields
// ErrNoSession; a corrupt user or login time is dropped rather than
// failing the whole record.
func Decode(token, user, loginTime string) (Record, error) {
	if token == "" {
		return Record{}, ErrNoSession
	}
	rec := Record{Token: token}
	if user != "" {
		_ = json.Unmarshal([]byte(user), &rec.User)
	}
	if loginTime != "" {
		if ms, err := strconv.ParseInt(loginTime, 10, 64); err == nil {
			rec.LoginTime = time.UnixMilli(ms)
		}
	}
	return rec, nil
}

// MemoryStore keeps the record in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Load(ctx context.Context) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Decode(s.values[KeyToken], s.values[KeyUser], s.values[KeyLoginTime])
}

func (s *MemoryStore) Save(ctx context.Context, rec Record) error {
	token, user, loginTime, err := Encode(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[KeyToken] = token
	s.values[KeyUser] = user
	s.values[KeyLoginTime] = loginTime
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, KeyToken)
	delete(s.values, KeyUser)
	delete(s.values, KeyLoginTime)
	return nil
}

// Snapshot returns a copy of the raw stored values.
func (s *MemoryStore) Snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
