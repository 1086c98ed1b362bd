// Package roster keeps the small hardcoded user list of the control room,
// who is logged in, and which sessions are still valid.
package roster

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"train-tracking-sim/shared/authx"
)

var (
	ErrBadCredentials = errors.New("invalid credentials")
	ErrUnknownUser    = errors.New("unknown user")
	ErrSessionRevoked = errors.New("session revoked")
)

// DefaultUsers is the built-in roster.
func DefaultUsers() map[string]string {
	return map[string]string{
		"ARS-User1": "3dLS6fBWyy9fak21d",
		"ARS-User2": "Dbf73bKW2nMWs9a",
		"ARS-User3": "FsvI61B72kLapS9a2b",
		"ARS-User4": "La2vMde341smWQx",
		"Hacker":    "DEATH GRIPS",
	}
}

type Session struct {
	Username string
	Token    string
	Auth     authx.AuthContext
}

type Roster struct {
	users  map[string]string
	order  []string
	signer *authx.SessionSigner

	mu       sync.Mutex
	active   []string
	sessions map[string]string // session id -> username
}

func New(users map[string]string, signer *authx.SessionSigner) (*Roster, error) {
	if len(users) == 0 {
		return nil, errors.New("roster needs at least one user")
	}
	if signer == nil {
		return nil, errors.New("roster needs a session signer")
	}
	r := &Roster{
		users:    make(map[string]string, len(users)),
		signer:   signer,
		sessions: make(map[string]string),
	}
	for name, pass := range users {
		r.users[name] = pass
		r.order = append(r.order, name)
	}
	sort.Strings(r.order)
	return r, nil
}

// Login checks credentials, marks the user active and opens a new session.
// Logging in twice keeps a single entry in the active list.
func (r *Roster) Login(username string, password string) (Session, error) {
	username = strings.TrimSpace(username)
	want, ok := r.users[username]
	// Compare against something even for unknown users.
	if !ok {
		want = "\x00"
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(password)) != 1 || !ok {
		return Session{}, ErrBadCredentials
	}

	sid := uuid.NewString()
	token, auth, err := r.signer.Sign(username, sid)
	if err != nil {
		return Session{}, fmt.Errorf("sign session: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = username
	if !contains(r.active, username) {
		r.active = append(r.active, username)
	}
	return Session{Username: username, Token: token, Auth: auth}, nil
}

// Kick removes the user from the active list and revokes all their
// sessions. It reports whether the user was active.
func (r *Roster) Kick(username string) (bool, error) {
	username = strings.TrimSpace(username)
	if _, ok := r.users[username]; !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownUser, username)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for sid, u := range r.sessions {
		if u == username {
			delete(r.sessions, sid)
		}
	}
	was := contains(r.active, username)
	r.active = remove(r.active, username)
	return was, nil
}

// Verify accepts a token only while its session has not been kicked.
func (r *Roster) Verify(token string) (authx.AuthContext, error) {
	auth, err := r.signer.Verify(token)
	if err != nil {
		return authx.AuthContext{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[auth.SessionID] != auth.Subject {
		return authx.AuthContext{}, ErrSessionRevoked
	}
	return auth, nil
}

func (r *Roster) ActiveUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.active...)
}

func (r *Roster) AllUserIDs() []string {
	return append([]string{}, r.order...)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
