package registry

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/shellshare/internal/session"
)

// fakeBroadcaster collects every frame broadcast to "every connected
// client" so tests can assert on registry-level announcements.
type fakeBroadcaster struct {
	mu     sync.Mutex
	frames [][]byte
}

func (b *fakeBroadcaster) BroadcastAll(msg []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, msg)
}

func (b *fakeBroadcaster) all() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var s strings.Builder
	for _, f := range b.frames {
		s.Write(f)
		s.WriteByte('\n')
	}
	return s.String()
}

type fakeClient struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeClient) ID() string { return f.id }
func (f *fakeClient) Enqueue(msg []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, msg)
	return true
}
func (f *fakeClient) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func newTestRegistry() (*Registry, *fakeBroadcaster) {
	b := &fakeBroadcaster{}
	r := New(b, Config{Shell: "/bin/sh", ScrollbackCapBytes: 1 << 20})
	return r, b
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

// TestRegistryCreateDuplicateFails verifies a second create of the same
// name fails without disturbing the first session.
func TestRegistryCreateDuplicateFails(t *testing.T) {
	r, _ := newTestRegistry()
	defer r.Close()

	if err := r.Create("s1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Create("s1"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	if len(r.List()) != 1 {
		t.Fatalf("expected 1 session, got %d", len(r.List()))
	}
}

// TestRegistryAttachUnknownFails verifies attaching to a name that was
// never created returns ErrNotFound.
func TestRegistryAttachUnknownFails(t *testing.T) {
	r, _ := newTestRegistry()
	defer r.Close()

	if err := r.Attach("nope", &fakeClient{id: "a"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// TestRegistryKillRemovesAndBroadcasts verifies kill removes the session so
// a subsequent attach fails, and broadcasts an updated list.
func TestRegistryKillRemovesAndBroadcasts(t *testing.T) {
	r, b := newTestRegistry()
	defer r.Close()

	if err := r.Create("s1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	c := &fakeClient{id: "a"}
	if err := r.Attach("s1", c); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := r.Kill("s1"); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return c.count() > 0 })
	if !strings.Contains(string(c.frames[len(c.frames)-1]), `"type":"killed"`) {
		t.Errorf("expected attached client to receive killed, got %q", c.frames)
	}

	if err := r.Attach("s1", &fakeClient{id: "b"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after kill, got %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return strings.Count(b.all(), `"type":"sessions"`) >= 2 })
}

// TestRegistryKillUnknownFails verifies killing a name that doesn't exist
// replies with an error rather than succeeding silently.
func TestRegistryKillUnknownFails(t *testing.T) {
	r, _ := newTestRegistry()
	defer r.Close()

	if err := r.Kill("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// TestRegistryRenameRoundTrip verifies rename(N,M) then rename(M,N) leaves
// the registry with a single session named N again, and that a renamed
// message was broadcast.
func TestRegistryRenameRoundTrip(t *testing.T) {
	r, b := newTestRegistry()
	defer r.Close()

	if err := r.Create("n"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Rename("n", "m"); err != nil {
		t.Fatalf("Rename n->m: %v", err)
	}
	if err := r.Rename("m", "n"); err != nil {
		t.Fatalf("Rename m->n: %v", err)
	}

	list := r.List()
	if len(list) != 1 || list[0].Name != "n" {
		t.Fatalf("expected single session named n, got %+v", list)
	}
	if !strings.Contains(b.all(), `"type":"renamed"`) {
		t.Errorf("expected a renamed broadcast, got %q", b.all())
	}
}

// TestRegistryRenameToExistingFails verifies rename fails with
// ErrAlreadyExists when the new name is already taken.
func TestRegistryRenameToExistingFails(t *testing.T) {
	r, _ := newTestRegistry()
	defer r.Close()

	if err := r.Create("a"); err != nil {
		t.Fatalf("Create a: %v", err)
	}
	if err := r.Create("b"); err != nil {
		t.Fatalf("Create b: %v", err)
	}

	if err := r.Rename("a", "b"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

// TestValidateNameRejectsEmptyAndOverlong verifies the session-name cap
// decided for the unspecified reference behavior.
func TestValidateNameRejectsEmptyAndOverlong(t *testing.T) {
	if err := validateName(""); !errors.Is(err, ErrInvalidName) {
		t.Errorf("expected ErrInvalidName for empty name, got %v", err)
	}
	if err := validateName(strings.Repeat("x", maxNameLen+1)); !errors.Is(err, ErrInvalidName) {
		t.Errorf("expected ErrInvalidName for overlong name, got %v", err)
	}
	if err := validateName(strings.Repeat("x", maxNameLen)); err != nil {
		t.Errorf("expected max-length name to be valid, got %v", err)
	}
}

var _ session.Client = (*fakeClient)(nil)
