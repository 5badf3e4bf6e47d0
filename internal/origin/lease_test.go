package origin

import (
	"testing"
	"time"

	"korva/internal/metadata"
)

func TestHostFileIdempotent(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(30 * time.Second)

	l1 := reg.HostFile("/a/x.jpg", metadata.Record{ContentType: "image/jpeg"}, "10.0.0.1")
	l2 := reg.HostFile("/a/x.jpg", metadata.Record{ContentType: "image/jpeg"}, "10.0.0.2")

	if l1.Id() != l2.Id() {
		t.Fatalf("Id differs across HostFile calls: %q vs %q", l1.Id(), l2.Id())
	}
	if l1 != l2 {
		t.Fatalf("HostFile created a second lease for the same file")
	}
	if !l1.ValidForPeer("10.0.0.1") || !l1.ValidForPeer("10.0.0.2") {
		t.Errorf("lease should be valid for both peers, got peers=%v", l1.peers)
	}
}

func TestHostFileDoesNotOverwriteMetadata(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(30 * time.Second)

	l1 := reg.HostFile("/a/x.jpg", metadata.Record{Title: "Original"}, "10.0.0.1")
	l2 := reg.HostFile("/a/x.jpg", metadata.Record{Title: "Ignored"}, "10.0.0.2")

	if l2.Meta().Title != "Original" {
		t.Errorf("Meta().Title = %q, want %q (creation-time metadata should not be overwritten)", l2.Meta().Title, "Original")
	}
	_ = l1
}

func TestUnhostForPeerThenIdle(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(20 * time.Millisecond)

	lease := reg.HostFile("/a/y.mp4", metadata.Record{}, "10.0.0.1")
	if reg.Idle() {
		t.Fatalf("registry reported idle right after HostFile")
	}

	reg.UnhostForPeer("/a/y.mp4", "10.0.0.1")

	deadline := time.After(time.Second)
	for !reg.Idle() {
		select {
		case <-deadline:
			t.Fatalf("registry never went idle after peer removal")
		case <-time.After(time.Millisecond):
		}
	}

	if _, ok := reg.Get(lease.Id()); ok {
		t.Errorf("evicted lease is still resolvable by Id")
	}
}

func TestInFlightBlocksEviction(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(10 * time.Millisecond)
	lease := reg.HostFile("/a/z.mp4", metadata.Record{}, "10.0.0.1")

	lease.touchStart()
	reg.UnhostForPeer("/a/z.mp4", "10.0.0.1")

	time.Sleep(50 * time.Millisecond)
	if reg.Idle() {
		t.Fatalf("registry went idle while a request was still in flight")
	}

	lease.touchEnd()

	deadline := time.After(time.Second)
	for !reg.Idle() {
		select {
		case <-deadline:
			t.Fatalf("registry never went idle after in-flight request completed")
		case <-time.After(time.Millisecond):
		}
	}
}
