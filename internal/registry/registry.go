// Package registry implements the process-wide name -> Session map:
// uniqueness, lookup, creation, rename, removal, and the session-list
// broadcasts that every connected client receives regardless of attachment.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/user/shellshare/internal/session"
	"github.com/user/shellshare/internal/wire"
)

// maxNameLen bounds session names to a sane length; the reference protocol
// leaves this unspecified, so a cap is enforced here (see DESIGN.md).
const maxNameLen = 64

var (
	// ErrNotFound is returned by operations on a session name that does not
	// exist in the registry.
	ErrNotFound = errors.New("registry: session not found")
	// ErrAlreadyExists is returned by create/rename when the target name is
	// already taken.
	ErrAlreadyExists = errors.New("registry: session already exists")
	// ErrInvalidName is returned when a session name is empty, too long, or
	// contains control characters.
	ErrInvalidName = errors.New("registry: invalid session name")
)

// Broadcaster delivers a frame to every currently connected client,
// attached or not. The Hub implements this.
type Broadcaster interface {
	BroadcastAll(msg []byte)
}

// Config holds the values a Registry needs to spawn new sessions.
type Config struct {
	Shell              string
	ScrollbackCapBytes int
}

// Info is a point-in-time snapshot of one session's registry-visible state.
type Info struct {
	Name        string
	ClientCount int
	CreatedAt   string
}

// Registry owns the name -> Session map.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	bcast    Broadcaster
	cfg      Config
}

// New constructs an empty Registry that broadcasts through bcast.
func New(bcast Broadcaster, cfg Config) *Registry {
	return &Registry{
		sessions: make(map[string]*session.Session),
		bcast:    bcast,
		cfg:      cfg,
	}
}

// List returns a snapshot of every session's name, attachment count, and
// creation time, sorted by name.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

func (r *Registry) listLocked() []Info {
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, Info{
			Name:        s.Name(),
			ClientCount: s.ClientCount(),
			CreatedAt:   s.CreatedAt().UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the session registered under name, if any.
func (r *Registry) Lookup(name string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[name]
	return s, ok
}

// Create spawns a new session under name and inserts it. On success the
// updated session list is broadcast to every connected client.
func (r *Registry) Create(name string) error {
	name = strings.TrimSpace(name)
	if err := validateName(name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[name]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadyExists, name)
	}

	sess, err := session.New(name, r.cfg.Shell, homeDir(), r.cfg.ScrollbackCapBytes, r.onSessionTerminated)
	if err != nil {
		return fmt.Errorf("registry: create %q: %w", name, err)
	}

	r.sessions[name] = sess
	slog.Info("session created", "session", name)
	r.broadcastListLocked()
	return nil
}

// Attach looks up name and delegates to the session's Attach. It fails with
// ErrNotFound if the session does not exist (this also covers a session
// that has already finished Exiting/Gone and been removed).
func (r *Registry) Attach(name string, c session.Client) error {
	r.mu.Lock()
	sess, ok := r.sessions[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if err := sess.Attach(c); err != nil {
		slog.Warn("attach failed", "session", name, "error", err)
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return nil
}

// Detach removes c from the session named name, if it still exists. A
// client holds only the session's name (a weak reference), so Detach is a
// safe no-op if the session has already been removed.
func (r *Registry) Detach(name string, c session.Client) {
	if name == "" {
		return
	}
	r.mu.Lock()
	sess, ok := r.sessions[name]
	r.mu.Unlock()
	if ok {
		sess.Detach(c)
	}
}

// OnClientGone detaches a connection that has died from whatever session it
// was last attached to. No broadcast is made; client-count changes coalesce
// into the next natural list broadcast.
func (r *Registry) OnClientGone(name string, c session.Client) {
	r.Detach(name, c)
}

// Kill removes name from the registry and triggers the session's explicit
// kill path. The removal happens before the session broadcasts killed to
// its attached clients, matching the rule that a session is removed from
// the registry before exit notifications reach its final audience.
func (r *Registry) Kill(name string) error {
	r.mu.Lock()
	sess, ok := r.sessions[name]
	if ok {
		delete(r.sessions, name)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	slog.Info("session removed from registry for kill", "session", name)
	sess.Kill()
	r.broadcastList()
	return nil
}

// Rename re-keys a session atomically with respect to other registry
// operations and broadcasts both a renamed message and the updated list.
func (r *Registry) Rename(oldName, newName string) error {
	oldName = strings.TrimSpace(oldName)
	newName = strings.TrimSpace(newName)
	if err := validateName(newName); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[oldName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, oldName)
	}
	if _, exists := r.sessions[newName]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadyExists, newName)
	}

	delete(r.sessions, oldName)
	sess.SetName(newName)
	r.sessions[newName] = sess

	slog.Info("session renamed", "oldName", oldName, "newName", newName)
	r.bcast.BroadcastAll(wire.Encode(wire.RenamedMessage{Type: "renamed", OldName: oldName, NewName: newName}))
	r.broadcastListLocked()
	return nil
}

// Close kills every registered session, used during shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*session.Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Kill()
	}
}

// onSessionTerminated is passed to session.New as the callback invoked when
// a child exits or is killed; it is idempotent so the explicit-kill path
// (which has already removed the session) and the natural-exit path don't
// double-broadcast.
func (r *Registry) onSessionTerminated(name string) {
	r.mu.Lock()
	sess, existed := r.sessions[name]
	if existed && sess.State() == session.StateRunning {
		// A new, live session has taken this name since the terminating
		// one was removed; leave it in place.
		existed = false
	}
	if existed {
		delete(r.sessions, name)
	}
	r.mu.Unlock()

	if existed {
		slog.Info("session removed from registry after termination", "session", name)
		r.broadcastList()
	}
}

func (r *Registry) broadcastList() {
	r.mu.Lock()
	list := r.listLocked()
	r.mu.Unlock()
	r.bcast.BroadcastAll(encodeSessions(list))
}

// broadcastListLocked is the same as broadcastList but assumes the caller
// already holds r.mu; that lock stays held across the call to the
// broadcaster, whose Enqueue never blocks.
func (r *Registry) broadcastListLocked() {
	list := r.listLocked()
	r.bcast.BroadcastAll(encodeSessions(list))
}

func encodeSessions(list []Info) []byte {
	summaries := make([]wire.SessionSummary, len(list))
	for i, info := range list {
		summaries[i] = wire.SessionSummary{Name: info.Name, ClientCount: info.ClientCount}
	}
	return wire.Encode(wire.SessionsMessage{Type: "sessions", List: summaries})
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if utf8.RuneCountInString(name) > maxNameLen {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidName, maxNameLen)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: contains control characters", ErrInvalidName)
		}
	}
	return nil
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return ""
}
