// Package session implements the Session: one named PTY plus its scrollback
// and the dynamic set of clients fanned out to.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/shellshare/internal/pty"
	"github.com/user/shellshare/internal/wire"
)

const (
	defaultCols               = 80
	defaultRows               = 24
	defaultScrollbackCapBytes = 2_000_000

	readChunkSize = 4096
)

// ErrNotAttachable is returned by Attach when the session is no longer
// Running (it is Exiting or Gone).
var ErrNotAttachable = errors.New("session: not attachable")

// ErrReplayFailed is returned by Attach when the client was inserted into
// the client set but rejected the scrollback replay, e.g. because its
// outbound queue was already full or closed. The caller must treat this as
// an attach failure, not a successful attach.
var ErrReplayFailed = errors.New("session: replay delivery failed")

// State is one point in the Session state machine. Transitions are one-way:
// Starting -> Running -> Exiting -> Gone.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateExiting
	StateGone
)

// Client is anything a Session can fan output out to: the server's hold on
// a client connection, identified by an opaque id. Enqueue must not block;
// it returns false if the message could not be delivered (the caller's
// queue is full or already closed), which the Session treats as the signal
// to drop that client.
type Client interface {
	ID() string
	Enqueue(msg []byte) bool
}

// Session binds one PTY Adapter to a dynamic set of attached Clients.
type Session struct {
	adapter *pty.Adapter

	onTerminated func(name string)

	mu      sync.Mutex
	name    string
	created time.Time
	sb      *scrollback
	clients map[string]Client
	cols    uint16
	rows    uint16

	explicitKill bool

	state atomic.Int32
}

// New spawns shell as a login shell in cwd, starts the fan-out loop, and
// returns the running Session. onTerminated, if non-nil, is called exactly
// once — from the fan-out loop's own goroutine — after the child has
// exited or been killed, so the caller (normally a Registry) can remove the
// Session from its index. On a natural exit it runs after the exited
// message has been delivered to the attached clients.
func New(name, shell, cwd string, scrollbackCapBytes int, onTerminated func(name string)) (*Session, error) {
	env := pty.BuildEnv(shell, cwd)
	adapter, err := pty.Spawn(shell, nil, env, cwd, defaultCols, defaultRows)
	if err != nil {
		return nil, err
	}

	s := &Session{
		adapter:      adapter,
		onTerminated: onTerminated,
		name:         name,
		created:      time.Now(),
		sb:           newScrollback(scrollbackCapBytes),
		clients:      make(map[string]Client),
		cols:         defaultCols,
		rows:         defaultRows,
	}
	s.state.Store(int32(StateRunning))
	slog.Info("session spawned", "session", name, "shell", shell)
	go s.fanOutLoop()
	return s, nil
}

// State returns the Session's current state machine position.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Name returns the session's current name (rename-safe).
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// SetName updates the session's name, called by the Registry while holding
// its own lock during a rename.
func (s *Session) SetName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

// CreatedAt returns the session's creation timestamp.
func (s *Session) CreatedAt() time.Time {
	return s.created
}

// ClientCount returns the number of currently attached clients.
func (s *Session) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Attach adds c to the session's client set and, atomically with that
// insertion, enqueues a single output message replaying the current
// scrollback (no message when the scrollback is empty). No chunk produced after the snapshot is taken can be lost or
// duplicated: the lock is held across both the snapshot and the replay
// enqueue, so a fan-out chunk arriving concurrently must wait for either to
// finish first. If c rejects the replay, the insertion is undone and an
// error is returned — the caller must treat this as an attach failure, not
// confirm an attachment that will never receive another frame.
func (s *Session) Attach(c Client) error {
	if s.State() != StateRunning {
		return ErrNotAttachable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if State(s.state.Load()) != StateRunning {
		return ErrNotAttachable
	}

	replay := s.sb.bytes()
	s.clients[c.ID()] = c

	if len(replay) > 0 {
		msg := wire.Encode(wire.OutputMessage{Type: "output", Data: string(replay)})
		if !c.Enqueue(msg) {
			delete(s.clients, c.ID())
			slog.Warn("attach replay delivery failed", "session", s.name, "client", c.ID())
			return ErrReplayFailed
		}
	}
	slog.Info("client attached", "session", s.name, "client", c.ID())
	return nil
}

// Detach removes c from the client set. Safe to call for a client that was
// never attached.
func (s *Session) Detach(c Client) {
	s.mu.Lock()
	_, existed := s.clients[c.ID()]
	delete(s.clients, c.ID())
	name := s.name
	s.mu.Unlock()
	if existed {
		slog.Info("client detached", "session", name, "client", c.ID())
	}
}

// Write forwards data to the PTY. Silently dropped (not an error) unless
// the session is Running.
func (s *Session) Write(data []byte) {
	if s.State() != StateRunning {
		return
	}
	_, _ = s.adapter.Write(data)
}

// Resize records the new window size and forwards it to the PTY adapter.
// Silently dropped unless the session is Running; the last caller wins.
func (s *Session) Resize(cols, rows uint16) error {
	if s.State() != StateRunning {
		return nil
	}
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
	return s.adapter.Resize(cols, rows)
}

// Kill triggers the explicit-kill termination path: it broadcasts a killed
// message to the currently attached clients, then asks the PTY adapter to
// terminate the child. The subsequent exited broadcast that the fan-out
// loop would otherwise emit on child exit is suppressed, since the caller
// (the Registry) has already removed this Session from its index by the
// time Kill is called.
func (s *Session) Kill() {
	s.mu.Lock()
	if s.explicitKill || State(s.state.Load()) == StateGone {
		s.mu.Unlock()
		return
	}
	s.explicitKill = true
	s.state.Store(int32(StateExiting))
	clients := s.snapshotClientsLocked()
	name := s.name
	s.mu.Unlock()

	slog.Info("session killed", "session", name)
	msg := wire.Encode(wire.KilledMessage{Type: "killed", Name: name})
	s.deliver(clients, msg)

	_ = s.adapter.Kill()
}

func (s *Session) fanOutLoop() {
	buf := make([]byte, readChunkSize)
	for {
		n, err := s.adapter.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.broadcastChunk(chunk)
		}
		if err != nil {
			break
		}
	}

	info := s.adapter.Wait()

	s.mu.Lock()
	s.state.Store(int32(StateExiting))
	explicit := s.explicitKill
	name := s.name
	clients := s.snapshotClientsLocked()
	s.mu.Unlock()

	if !explicit {
		slog.Info("session exited", "session", name, "exitCode", info.ExitCode, "signal", info.Signal)
		msg := wire.Encode(wire.ExitedMessage{Type: "exited", Name: name, ExitCode: info.ExitCode, Signal: info.Signal})
		s.deliver(clients, msg)
	}

	if s.onTerminated != nil {
		s.onTerminated(name)
	}

	s.state.Store(int32(StateGone))
	_ = s.adapter.Close()
}

func (s *Session) broadcastChunk(chunk []byte) {
	s.mu.Lock()
	s.sb.append(chunk)
	clients := s.snapshotClientsLocked()
	s.mu.Unlock()

	msg := wire.Encode(wire.OutputMessage{Type: "output", Data: string(chunk)})
	s.deliver(clients, msg)
}

// deliver enqueues msg to every client, dropping (detaching) any whose
// queue rejects it. Must be called with the Session lock not held, since
// Enqueue may need to do work beyond a simple channel send.
func (s *Session) deliver(clients []Client, msg []byte) {
	for _, c := range clients {
		if !c.Enqueue(msg) {
			slog.Warn("slow client dropped", "session", s.Name(), "client", c.ID())
			s.Detach(c)
		}
	}
}

// snapshotClientsLocked returns the current client set as a slice. Caller
// must hold s.mu.
func (s *Session) snapshotClientsLocked() []Client {
	out := make([]Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}
