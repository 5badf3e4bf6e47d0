package push

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"korva/internal/ipc"
	"korva/internal/korvaerr"
	"korva/internal/origin"
	"korva/internal/renderer"
)

type stubLookup struct {
	devices map[string]*renderer.Device
}

func (s stubLookup) Get(uid string) (*renderer.Device, bool) {
	d, ok := s.devices[uid]
	return d, ok
}

func newTestCoordinator(t *testing.T, lookup DeviceLookup) (*Coordinator, *origin.Registry) {
	t.Helper()
	registry := origin.NewRegistry(time.Second)
	server, err := origin.NewServer("127.0.0.1:0", registry, slog.New(slog.NewTextHandler(io.Discard, nil)), nil, nil)
	if err != nil {
		t.Fatalf("origin.NewServer: %v", err)
	}
	c := NewCoordinator(lookup, registry, server, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return c, registry
}

func TestPushRejectsMissingURI(t *testing.T) {
	t.Parallel()

	c, _ := newTestCoordinator(t, stubLookup{})
	_, err := c.Push(t.Context(), ipc.PushSource{}, "some-uid")
	if !korvaerr.Is(err, korvaerr.InvalidArgs) {
		t.Fatalf("Push with empty URI: err = %v, want INVALID_ARGS", err)
	}
}

func TestPushRejectsUnknownDevice(t *testing.T) {
	t.Parallel()

	c, _ := newTestCoordinator(t, stubLookup{devices: map[string]*renderer.Device{}})
	_, err := c.Push(t.Context(), ipc.PushSource{URI: "/tmp/does-not-matter.mp4"}, "missing-uid")
	if !korvaerr.Is(err, korvaerr.NoSuchDevice) {
		t.Fatalf("Push with unknown device: err = %v, want NO_SUCH_DEVICE", err)
	}
}

func TestFilePathFromURI(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "movie.mp4")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := filePathFromURI(path)
	if err != nil || got != path {
		t.Fatalf("filePathFromURI(bare path) = %q, %v", got, err)
	}

	got, err = filePathFromURI("file://" + path)
	if err != nil || got != path {
		t.Fatalf("filePathFromURI(file://) = %q, %v", got, err)
	}

	if _, err := filePathFromURI("http://example.com/movie.mp4"); err == nil {
		t.Fatalf("filePathFromURI(http scheme) = nil error, want rejection")
	}
}

func TestMintTagDeterministic(t *testing.T) {
	t.Parallel()

	a := mintTag("device-1", "lease-1", "10.0.0.5")
	b := mintTag("device-1", "lease-1", "10.0.0.5")
	if a != b {
		t.Fatalf("mintTag not deterministic: %q != %q", a, b)
	}
	if c := mintTag("device-2", "lease-1", "10.0.0.5"); c == a {
		t.Fatalf("mintTag collided across different device UIDs")
	}
}

func TestUnshareRejectsUnknownTag(t *testing.T) {
	t.Parallel()

	c, _ := newTestCoordinator(t, stubLookup{})
	err := c.Unshare(t.Context(), "no-such-tag")
	if !korvaerr.Is(err, korvaerr.NoSuchTransfer) {
		t.Fatalf("Unshare(unknown tag): err = %v, want NO_SUCH_TRANSFER", err)
	}
}
