// Package objectstore adapts OpenStack Swift to the operations the
// metadata index, cache manager, and operation engine need: listing a
// container, heading/downloading/uploading an object, updating its
// fs-* metadata, and moving or deleting it. Every call is wrapped in a
// circuit breaker and a bounded retry of transient failures (HTTP 401, 408,
// 409, 429 and 500/502/503/504).
package objectstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/ncw/swift/v2"

	"github.com/objectfs/swiftmount/internal/buffer"
	"github.com/objectfs/swiftmount/internal/circuit"
	"github.com/objectfs/swiftmount/pkg/errors"
	"github.com/objectfs/swiftmount/pkg/fsnode"
	"github.com/objectfs/swiftmount/pkg/retry"
)

// Config configures the Swift connection and segmenting behavior.
type Config struct {
	AuthURL    string
	Username   string
	Password   string
	TenantID   string
	RegionName string
	Container  string

	// ChunkSize is both the threshold above which an upload is segmented
	// as a dynamic large object and the size of each segment/download
	// chunk.
	ChunkSize int64

	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	Retry   retry.Config
	Breaker circuit.Config
}

// retryableStatusCodes mirrors the HTTP statuses rclone's swift backend
// retries: auth-token expiry, timeouts, conflicts arising from concurrent
// writers, and server-side throttling/overload.
var retryableStatusCodes = map[int]bool{
	401: true,
	408: true,
	409: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// Adapter is the object-store side of one mount: one Swift connection,
// one container, wrapped in resilience and buffer-pooling layers.
type Adapter struct {
	conn      *swift.Connection
	container string
	chunkSize int64

	breaker *circuit.CircuitBreaker
	retryer *retry.Retryer
	stats   *retry.StatsCollector
	pool    *buffer.BytePool
}

// New authenticates a Swift connection and returns an Adapter ready to
// serve the configured container.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.Container == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "container name cannot be empty").WithComponent("objectstore")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 64 * 1024 * 1024
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}

	conn := &swift.Connection{
		UserName:       cfg.Username,
		ApiKey:         cfg.Password,
		AuthUrl:        cfg.AuthURL,
		TenantId:       cfg.TenantID,
		Region:         cfg.RegionName,
		ConnectTimeout: connectTimeout,
		Timeout:        requestTimeout,
	}

	if err := conn.Authenticate(ctx); err != nil {
		return nil, errors.Wrap(errors.ErrCodeAuthenticationFailed, err, "swift authentication failed").
			WithComponent("objectstore").WithOperation("Authenticate")
	}

	breakerCfg := cfg.Breaker
	breakerCfg.IsSuccessful = func(err error) bool {
		return err == nil || errors.IsNotFound(err)
	}

	stats := retry.NewStatsCollector()
	retryCfg := cfg.Retry
	retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		stats.RecordAttempt(attempt, false, delay)
	}

	return &Adapter{
		conn:      conn,
		container: cfg.Container,
		chunkSize: cfg.ChunkSize,
		breaker:   circuit.NewCircuitBreaker("objectstore:"+cfg.Container, breakerCfg),
		retryer:   retry.New(retryCfg),
		stats:     stats,
		pool:      buffer.NewBytePool(),
	}, nil
}

// RetryStats reports how often calls against this container have needed to
// retry, for the shutdown summary and any future /status wiring.
func (a *Adapter) RetryStats() retry.Stats {
	return a.stats.GetStats()
}

// classify turns a raw swift/transport error into the structured taxonomy,
// marking the HTTP statuses the ecosystem treats as transient as
// RemoteTransient so pkg/retry and the job executor both retry them, and
// everything else as RemotePersistent.
func classify(err error, component, operation, path string) error {
	if err == nil {
		return nil
	}
	if err == swift.ObjectNotFound || err == swift.ContainerNotFound {
		return errors.Wrap(errors.ErrCodeNotFound, err, "object not found").
			WithComponent(component).WithOperation(operation).WithPath(path)
	}

	code := errors.ErrCodeRemotePersistent
	if swiftErr, ok := err.(*swift.Error); ok && retryableStatusCodes[swiftErr.StatusCode] {
		code = errors.ErrCodeRemoteTransient
	}
	return errors.Wrap(code, err, "swift request failed").
		WithComponent(component).WithOperation(operation).WithPath(path)
}

// withResilience runs fn through the circuit breaker and the retryer,
// classifying the resulting error before it reaches the retryer so its
// RetryableErrors/Retryable checks see the structured code.
func (a *Adapter) withResilience(ctx context.Context, operation, path string, fn func(context.Context) error) error {
	return a.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		err := a.breaker.ExecuteWithContext(ctx, fn)
		if err == nil {
			return nil
		}
		if circuit.IsRejection(err) {
			return errors.Wrap(errors.ErrCodeRemoteTransient, err, "circuit breaker open").
				WithComponent("objectstore").WithOperation(operation).WithPath(path)
		}
		if fsErr, ok := err.(*errors.FSError); ok {
			return fsErr
		}
		return classify(err, "objectstore", operation, path)
	})
}

// List returns every object name currently in the container, used to
// populate the metadata index in "prefetch" mode.
func (a *Adapter) List(ctx context.Context) ([]string, error) {
	var names []string
	err := a.withResilience(ctx, "List", "", func(ctx context.Context) error {
		objects, err := a.conn.ObjectsAll(ctx, a.container, nil)
		if err != nil {
			return err
		}
		names = make([]string, 0, len(objects))
		for _, obj := range objects {
			names = append(names, obj.Name)
		}
		return nil
	})
	return names, err
}

// Head fetches an object's fs-* metadata without its body. The second
// return value is false if the object is not visible under the given
// snapshot (soft-deleted at or before it) or does not exist.
func (a *Adapter) Head(ctx context.Context, path string, snapshot time.Time) (*fsnode.Node, bool, error) {
	var headers swift.Headers
	err := a.withResilience(ctx, "Head", path, func(ctx context.Context) error {
		_, h, err := a.conn.Object(ctx, a.container, path)
		headers = h
		return err
	})
	if errors.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	node, ok := fsnode.FromHeaders(path, headers, snapshot)
	return node, ok, nil
}

// Download opens a streaming reader for an object's content, starting at
// offset and reading at most length bytes (length <= 0 means the rest of
// the object), chunked through the shared byte pool.
func (a *Adapter) Download(ctx context.Context, path string, offset, length int64) (io.ReadCloser, error) {
	var rc io.ReadCloser
	headers := swift.Headers{}
	if offset > 0 || length > 0 {
		end := ""
		if length > 0 {
			end = fmt.Sprintf("%d", offset+length-1)
		}
		headers["Range"] = fmt.Sprintf("bytes=%d-%s", offset, end)
	}

	err := a.withResilience(ctx, "Download", path, func(ctx context.Context) error {
		r, _, err := a.conn.ObjectOpen(ctx, a.container, path, false, headers)
		rc = r
		return err
	})
	return rc, err
}

// Upload writes the full content of r as path, attaching node's fs-*
// headers. Per the adapter's upload pre-check, if r is seekable and a
// version of path already exists with the same content hash, the body
// transfer is skipped - only the fs-* headers are refreshed - and Upload
// returns success without a PUT. If size exceeds the configured chunk
// size the upload is segmented as a Swift
// dynamic large object (DLO): each chunk is PUT to
// "<path>/segments/<timestamp>/<index>" and a zero-length manifest object carrying
// X-Object-Manifest is PUT last, the same convention rclone's swift
// backend uses for files larger than its chunk size.
func (a *Adapter) Upload(ctx context.Context, path string, r io.Reader, size int64, node *fsnode.Node) error {
	headers := node.ToHeaders()

	if size <= a.chunkSize {
		if size > 0 {
			if seeker, ok := r.(io.Seeker); ok {
				unchanged, err := a.skipIfUnchanged(ctx, path, r, seeker)
				if err != nil {
					return err
				}
				if unchanged {
					return a.withResilience(ctx, "SetMetadata", path, func(ctx context.Context) error {
						return a.conn.ObjectUpdate(ctx, a.container, path, headers)
					})
				}
			}
		}
		return a.withResilience(ctx, "Upload", path, func(ctx context.Context) error {
			_, err := a.conn.ObjectPut(ctx, a.container, path, r, false, "", "", headers)
			return err
		})
	}
	return a.uploadSegmented(ctx, path, r, headers)
}

// skipIfUnchanged hashes r's content (leaving it seeked back to the start
// either way) and compares it against path's existing object hash, Swift's
// ETag, which is the content MD5 for a plain (non-segmented) PUT. A match
// means the upload can be skipped outright. Any failure to determine the
// existing hash - the object not existing, a transient Head error - just
// means the upload proceeds; the pre-check is an optimization, not a
// prerequisite for correctness.
func (a *Adapter) skipIfUnchanged(ctx context.Context, path string, r io.Reader, seeker io.Seeker) (bool, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return false, errors.Wrap(errors.ErrCodeLocalIO, err, "hashing upload source failed").
			WithComponent("objectstore").WithOperation("Upload").WithPath(path)
	}
	localHash := hex.EncodeToString(h.Sum(nil))

	if _, err := seeker.Seek(0, io.SeekStart); err != nil {
		return false, errors.Wrap(errors.ErrCodeLocalIO, err, "rewinding upload source failed").
			WithComponent("objectstore").WithOperation("Upload").WithPath(path)
	}

	var remoteHash string
	err := a.withResilience(ctx, "Head", path, func(ctx context.Context) error {
		obj, _, err := a.conn.Object(ctx, a.container, path)
		remoteHash = obj.Hash
		return err
	})
	if err != nil {
		return false, nil
	}
	return remoteHash != "" && remoteHash == localHash, nil
}

func (a *Adapter) uploadSegmented(ctx context.Context, path string, r io.Reader, headers swift.Headers) error {
	buf := a.pool.Get(int(a.chunkSize))
	defer a.pool.Put(buf)

	segmentPrefix := fmt.Sprintf("%s/segments/%d", path, time.Now().UnixNano())
	index := 0
	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			segmentName := fmt.Sprintf("%s/%08d", segmentPrefix, index)
			chunk := buf[:n]
			err := a.withResilience(ctx, "Upload", segmentName, func(ctx context.Context) error {
				_, err := a.conn.ObjectPut(ctx, a.container, segmentName, bytesReader(chunk), false, "", "", nil)
				return err
			})
			if err != nil {
				return err
			}
			index++
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return errors.Wrap(errors.ErrCodeLocalIO, readErr, "reading upload source failed").
				WithComponent("objectstore").WithOperation("Upload").WithPath(path)
		}
	}

	manifestHeaders := swift.Headers{}
	for k, v := range headers {
		manifestHeaders[k] = v
	}
	manifestHeaders["X-Object-Manifest"] = fmt.Sprintf("%s/%s", a.container, segmentPrefix)

	return a.withResilience(ctx, "Upload", path, func(ctx context.Context) error {
		_, err := a.conn.ObjectPut(ctx, a.container, path, emptyReader{}, false, "", "", manifestHeaders)
		return err
	})
}

// SetMetadata updates an object's fs-* headers in place without touching
// its content, used for chmod/chown/utimens and for soft-delete (setting
// fs-deleted-on).
func (a *Adapter) SetMetadata(ctx context.Context, path string, node *fsnode.Node) error {
	headers := node.ToHeaders()
	return a.withResilience(ctx, "SetMetadata", path, func(ctx context.Context) error {
		return a.conn.ObjectUpdate(ctx, a.container, path, headers)
	})
}

// Move renames an object within the container. Swift has no native move,
// so this copies then deletes the source, matching rclone's swift backend.
func (a *Adapter) Move(ctx context.Context, src, dst string) error {
	return a.withResilience(ctx, "Move", src, func(ctx context.Context) error {
		if _, err := a.conn.ObjectCopy(ctx, a.container, src, a.container, dst, nil); err != nil {
			return err
		}
		return a.conn.ObjectDelete(ctx, a.container, src)
	})
}

// Delete removes an object from the container outright. The engine calls
// this only once a soft-deleted node's retention policy has expired or for
// paths the coherence rules never need to undelete; ordinary unlink/rmdir
// goes through SetMetadata's fs-deleted-on marker instead.
func (a *Adapter) Delete(ctx context.Context, path string) error {
	return a.withResilience(ctx, "Delete", path, func(ctx context.Context) error {
		err := a.conn.ObjectDelete(ctx, a.container, path)
		if err == swift.ObjectNotFound {
			return nil
		}
		return err
	})
}

// BreakerState exposes the underlying circuit breaker state for health
// reporting.
func (a *Adapter) BreakerState() circuit.State {
	return a.breaker.GetState()
}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }

func bytesReader(b []byte) io.Reader {
	return &sliceReader{b: b}
}

// sliceReader avoids importing bytes.Reader's Seek surface we don't need,
// keeping Upload's segment path to the plain io.Reader Swift's client asks
// for.
type sliceReader struct {
	b   []byte
	pos int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
