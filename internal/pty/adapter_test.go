package pty

import (
	"strings"
	"testing"
	"time"
)

// TestAdapterSpawnAndOutput spawns "echo hello-pty" and verifies the bytes
// read back contain it before the child exits.
func TestAdapterSpawnAndOutput(t *testing.T) {
	a, err := Spawn("/bin/echo", []string{"echo", "hello-pty"}, nil, "", 80, 24)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer a.Close()

	var out strings.Builder
	buf := make([]byte, 4096)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			n, err := a.Read(buf)
			if n > 0 {
				out.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for read loop to finish")
	}

	if info := a.Wait(); info.ExitCode != 0 {
		t.Errorf("expected clean exit, got %+v", info)
	}
	if !strings.Contains(out.String(), "hello-pty") {
		t.Errorf("expected output to contain %q, got %q", "hello-pty", out.String())
	}
}

// TestAdapterResize spawns "sleep 5" and verifies Resize does not error while
// the child is running.
func TestAdapterResize(t *testing.T) {
	a, err := Spawn("/bin/sleep", []string{"sleep", "5"}, nil, "", 80, 24)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer func() {
		_ = a.Kill()
		a.Wait()
	}()

	if err := a.Resize(200, 50); err != nil {
		t.Fatalf("Resize: %v", err)
	}
}

// TestAdapterWriteAndKill spawns "cat", writes a line, kills the child, and
// verifies Wait completes and Close does not panic when called twice.
func TestAdapterWriteAndKill(t *testing.T) {
	a, err := Spawn("/bin/cat", []string{"cat"}, nil, "", 80, 24)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if _, err := a.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := a.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	select {
	case <-waitChan(a):
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for child to exit after Kill")
	}

	if err := a.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close must not error, got %v", err)
	}
}

// waitChan adapts Adapter.Wait to a channel so tests can select on it
// alongside a timeout without blocking the test goroutine indefinitely.
func waitChan(a *Adapter) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		a.Wait()
		close(ch)
	}()
	return ch
}
