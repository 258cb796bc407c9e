package objectstore

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/ncw/swift/v2/swifttest"

	"github.com/objectfs/swiftmount/pkg/errors"
	"github.com/objectfs/swiftmount/pkg/fsnode"
)

// newTestAdapter spins up an in-memory swifttest server (the same fake
// server ncw/swift's own test suite authenticates against) and an Adapter
// pointed at it, so these tests exercise the real authentication and
// object-request wire format without a live Swift cluster.
func newTestAdapter(t *testing.T) (*Adapter, func()) {
	t.Helper()

	srv, err := swifttest.NewSwiftServer("localhost")
	if err != nil {
		t.Fatalf("NewSwiftServer: %v", err)
	}

	ctx := context.Background()
	a, err := New(ctx, Config{
		AuthURL:   srv.AuthURL,
		Username:  "swifttest",
		Password:  "swifttest",
		Container: "test-container",
		ChunkSize: 16,
	})
	if err != nil {
		srv.Close()
		t.Fatalf("New: %v", err)
	}

	if err := a.conn.ContainerCreate(ctx, a.container, nil); err != nil {
		srv.Close()
		t.Fatalf("ContainerCreate: %v", err)
	}

	return a, srv.Close
}

func testNode(path string) *fsnode.Node {
	now := time.Now()
	return fsnode.New(path, 0100644, 1000, 1000, 0, 1, now, now, now, "")
}

func TestAdapterUploadHeadDownload(t *testing.T) {
	a, cleanup := newTestAdapter(t)
	defer cleanup()
	ctx := context.Background()

	content := "hello swiftmount"
	node := testNode("greeting.txt")
	if err := a.Upload(ctx, node.Path, strings.NewReader(content), int64(len(content)), node); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	got, ok, err := a.Head(ctx, node.Path, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if !ok {
		t.Fatal("Head reported object not visible")
	}
	if got.UID != 1000 || got.GID != 1000 || got.Mode != 0100644 {
		t.Errorf("Head metadata mismatch: %+v", got)
	}

	rc, err := a.Download(ctx, node.Path, 0, 0)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != content {
		t.Errorf("downloaded content = %q, want %q", data, content)
	}
}

func TestAdapterUploadSegmented(t *testing.T) {
	a, cleanup := newTestAdapter(t)
	defer cleanup()
	ctx := context.Background()

	// ChunkSize is 16 bytes; this content spans three segments.
	content := "abcdefghijklmnopqrstuvwxyz0123456789"
	node := testNode("big.bin")
	if err := a.Upload(ctx, node.Path, strings.NewReader(content), int64(len(content)), node); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	rc, err := a.Download(ctx, node.Path, 0, 0)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != content {
		t.Errorf("segmented download = %q, want %q", data, content)
	}
}

// noReadAfterRewind fails any Read called after its first Seek, so a test
// using it can tell Upload's hash pre-check apart from an actual PUT: the
// pre-check reads once to hash, rewinds, and (on a match) must never read
// again.
type noReadAfterRewind struct {
	*strings.Reader
	rewound bool
}

func (r *noReadAfterRewind) Seek(offset int64, whence int) (int64, error) {
	n, err := r.Reader.Seek(offset, whence)
	r.rewound = true
	return n, err
}

func (r *noReadAfterRewind) Read(p []byte) (int, error) {
	if r.rewound {
		return 0, fmt.Errorf("read after rewind: upload body was transferred instead of skipped")
	}
	return r.Reader.Read(p)
}

func TestAdapterUploadSkipsUnchangedContent(t *testing.T) {
	a, cleanup := newTestAdapter(t)
	defer cleanup()
	ctx := context.Background()

	content := "same content both times"
	first := testNode("unchanged.txt")
	if err := a.Upload(ctx, first.Path, strings.NewReader(content), int64(len(content)), first); err != nil {
		t.Fatalf("first Upload: %v", err)
	}

	second := testNode("unchanged.txt")
	second.Mode = 0100600
	r := &noReadAfterRewind{Reader: strings.NewReader(content)}
	if err := a.Upload(ctx, second.Path, r, int64(len(content)), second); err != nil {
		t.Fatalf("second Upload (expected to skip the body transfer): %v", err)
	}

	got, ok, err := a.Head(ctx, second.Path, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if !ok {
		t.Fatal("Head reported object not visible")
	}
	if got.Mode != 0100600 {
		t.Errorf("metadata not refreshed on skip: Mode = %o, want %o", got.Mode, 0100600)
	}

	rc, err := a.Download(ctx, second.Path, 0, 0)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != content {
		t.Errorf("content changed after skipped upload: %q", data)
	}
}

func TestAdapterHeadMissing(t *testing.T) {
	a, cleanup := newTestAdapter(t)
	defer cleanup()
	ctx := context.Background()

	node, ok, err := a.Head(ctx, "does-not-exist", time.Now())
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if ok || node != nil {
		t.Errorf("expected missing object to report ok=false, got ok=%v node=%+v", ok, node)
	}
}

func TestAdapterMoveAndDelete(t *testing.T) {
	a, cleanup := newTestAdapter(t)
	defer cleanup()
	ctx := context.Background()

	node := testNode("source.txt")
	if err := a.Upload(ctx, node.Path, strings.NewReader("data"), 4, node); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if err := a.Move(ctx, "source.txt", "dest.txt"); err != nil {
		t.Fatalf("Move: %v", err)
	}

	if _, ok, err := a.Head(ctx, "source.txt", time.Now()); err != nil || ok {
		t.Errorf("source still present after Move: ok=%v err=%v", ok, err)
	}
	if _, ok, err := a.Head(ctx, "dest.txt", time.Now()); err != nil || !ok {
		t.Errorf("destination missing after Move: ok=%v err=%v", ok, err)
	}

	if err := a.Delete(ctx, "dest.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, err := a.Head(ctx, "dest.txt", time.Now()); err != nil || ok {
		t.Errorf("object still present after Delete: ok=%v err=%v", ok, err)
	}

	// Deleting an already-absent object is idempotent.
	if err := a.Delete(ctx, "dest.txt"); err != nil {
		t.Errorf("Delete of missing object should be idempotent, got %v", err)
	}
}

func TestAdapterSetMetadata(t *testing.T) {
	a, cleanup := newTestAdapter(t)
	defer cleanup()
	ctx := context.Background()

	node := testNode("chmod-me.txt")
	if err := a.Upload(ctx, node.Path, strings.NewReader("x"), 1, node); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	node.Mode = 0100600
	if err := a.SetMetadata(ctx, node.Path, node); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}

	got, ok, err := a.Head(ctx, node.Path, time.Now())
	if err != nil || !ok {
		t.Fatalf("Head after SetMetadata: ok=%v err=%v", ok, err)
	}
	if got.Mode != 0100600 {
		t.Errorf("Mode after SetMetadata = %o, want %o", got.Mode, 0100600)
	}
}

func TestAdapterListAndSnapshotFiltering(t *testing.T) {
	a, cleanup := newTestAdapter(t)
	defer cleanup()
	ctx := context.Background()

	before := time.Now()
	node := testNode("snapshot.txt")
	if err := a.Upload(ctx, node.Path, strings.NewReader("y"), 1, node); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	names, err := a.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	found := false
	for _, n := range names {
		if n == "snapshot.txt" {
			found = true
		}
	}
	if !found {
		t.Errorf("List did not contain uploaded object, got %v", names)
	}

	// A snapshot taken before the object's deletion mark should still see
	// it; mark it deleted and confirm a later snapshot no longer does.
	node.DeletedOn = time.Now().Add(time.Minute)
	if err := a.SetMetadata(ctx, node.Path, node); err != nil {
		t.Fatalf("SetMetadata (soft delete): %v", err)
	}

	if _, ok, err := a.Head(ctx, node.Path, before); err != nil || !ok {
		t.Errorf("expected snapshot before soft-delete to see object: ok=%v err=%v", ok, err)
	}
	if _, ok, err := a.Head(ctx, node.Path, node.DeletedOn.Add(time.Hour)); err != nil || ok {
		t.Errorf("expected snapshot after soft-delete to hide object: ok=%v err=%v", ok, err)
	}
}

func TestClassifyNotFound(t *testing.T) {
	a, cleanup := newTestAdapter(t)
	defer cleanup()
	ctx := context.Background()

	rc, err := a.Download(ctx, "missing-object", 0, 0)
	if rc != nil {
		rc.Close()
	}
	if !errors.IsNotFound(err) {
		t.Errorf("Download of missing object: err = %v, want NotFound", err)
	}
}
