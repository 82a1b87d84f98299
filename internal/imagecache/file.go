package imagecache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/l0p7/picsum/internal/logging"
)

const (
	maxFileNameLength = 200
	// fileQueueDepth is how many writes may wait for the background writer
	// before Set, Remove and Clear start blocking their caller.
	fileQueueDepth = 256
)

var fileNameReplacer = strings.NewReplacer("/", "_", "\\", "_", ":", "_")

// DefaultDirectory returns the image cache directory under the user's cache root.
func DefaultDirectory() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("imagecache: user cache dir: %w", err)
	}
	return filepath.Join(base, "picsum", "ImageCache"), nil
}

// FileTier stores one file per key inside a dedicated directory. Writes are
// queued to a single background writer, so Set, Remove and Clear return
// without touching the disk; a Get issued after them observes their effect
// even before the writer has reached it. Once fileQueueDepth writes are
// waiting, further calls block until the writer catches up rather than drop
// a Remove or Clear.
type FileTier struct {
	root   string
	logger *slog.Logger
	lock   *flock.Flock

	// rootMu is held shared for file reads and writes and exclusively while
	// Clear swaps the directory out.
	rootMu sync.RWMutex

	pendingMu sync.Mutex
	pending   map[string]pendingWrite
	clearing  int
	seq       uint64

	queueMu sync.RWMutex
	closed  bool
	ops     chan fileOp
	done    chan struct{}
}

type fileOpKind int

const (
	fileOpSet fileOpKind = iota
	fileOpRemove
	fileOpClear
	fileOpFlush
)

type fileOp struct {
	kind  fileOpKind
	key   string
	value []byte
	seq   uint64
	done  chan struct{}
}

type pendingWrite struct {
	value   []byte
	removed bool
	seq     uint64
}

// NewFile returns a tier rooted at dir. The directory is created on first
// write, not here.
func NewFile(dir string, logger *slog.Logger) *FileTier {
	if logger == nil {
		logger = logging.Discard()
	}
	root := filepath.Clean(dir)
	lockPath := filepath.Join(filepath.Dir(root), "."+filepath.Base(root)+".lock")
	t := &FileTier{
		root:    root,
		logger:  logger.With(slog.String("tier", "file")),
		lock:    flock.New(lockPath),
		pending: make(map[string]pendingWrite),
		ops:     make(chan fileOp, fileQueueDepth),
		done:    make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *FileTier) Name() string { return "file" }

// Root is the directory holding the cached files.
func (t *FileTier) Root() string { return t.root }

func (t *FileTier) Get(key string) ([]byte, bool) {
	t.pendingMu.Lock()
	if p, ok := t.pending[key]; ok {
		t.pendingMu.Unlock()
		if p.removed {
			return nil, false
		}
		return cloneBytes(p.value), true
	}
	clearing := t.clearing > 0
	t.pendingMu.Unlock()
	if clearing {
		return nil, false
	}

	t.rootMu.RLock()
	data, err := os.ReadFile(t.path(key))
	t.rootMu.RUnlock()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			t.logger.Debug("cache read failed", slog.String("key", key), slog.Any("error", err))
		}
		return nil, false
	}
	return data, true
}

func (t *FileTier) Set(key string, value []byte) {
	v := cloneBytes(value)
	seq := t.track(key, pendingWrite{value: v})
	if !t.enqueue(fileOp{kind: fileOpSet, key: key, value: v, seq: seq}) {
		t.settle(key, seq)
	}
}

func (t *FileTier) Remove(key string) {
	seq := t.track(key, pendingWrite{removed: true})
	if !t.enqueue(fileOp{kind: fileOpRemove, key: key, seq: seq}) {
		t.settle(key, seq)
	}
}

// Clear deletes and recreates the directory. Concurrent readers see either
// the old contents or the new empty directory.
func (t *FileTier) Clear() {
	t.pendingMu.Lock()
	clear(t.pending)
	t.clearing++
	t.pendingMu.Unlock()
	if !t.enqueue(fileOp{kind: fileOpClear}) {
		t.pendingMu.Lock()
		t.clearing--
		t.pendingMu.Unlock()
	}
}

// Flush blocks until every write queued before the call reached the disk.
func (t *FileTier) Flush() {
	done := make(chan struct{})
	if t.enqueue(fileOp{kind: fileOpFlush, done: done}) {
		<-done
	}
}

// Close drains the write queue and stops the writer. Later writes are dropped.
func (t *FileTier) Close() error {
	t.queueMu.Lock()
	if t.closed {
		t.queueMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.ops)
	t.queueMu.Unlock()
	<-t.done
	return nil
}

func (t *FileTier) track(key string, p pendingWrite) uint64 {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	t.seq++
	p.seq = t.seq
	t.pending[key] = p
	return p.seq
}

// settle forgets the pending write for key unless a newer one replaced it.
func (t *FileTier) settle(key string, seq uint64) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	if p, ok := t.pending[key]; ok && p.seq == seq {
		delete(t.pending, key)
	}
}

// enqueue hands op to the writer, blocking while the queue is full. It
// reports false once the tier is closed.
func (t *FileTier) enqueue(op fileOp) bool {
	t.queueMu.RLock()
	defer t.queueMu.RUnlock()
	if t.closed {
		return false
	}
	t.ops <- op
	return true
}

func (t *FileTier) run() {
	defer close(t.done)
	for op := range t.ops {
		switch op.kind {
		case fileOpSet:
			t.withFileLock(false, func() { t.write(op.key, op.value) })
			t.settle(op.key, op.seq)
		case fileOpRemove:
			t.withFileLock(false, func() { t.delete(op.key) })
			t.settle(op.key, op.seq)
		case fileOpClear:
			t.withFileLock(true, t.reset)
			t.pendingMu.Lock()
			t.clearing--
			t.pendingMu.Unlock()
		case fileOpFlush:
			close(op.done)
		}
	}
}

func (t *FileTier) write(key string, value []byte) {
	t.rootMu.RLock()
	defer t.rootMu.RUnlock()
	if err := os.MkdirAll(t.root, 0o755); err != nil {
		t.logger.Warn("cache directory unavailable", slog.String("root", t.root), slog.Any("error", err))
		return
	}
	tmp, err := os.CreateTemp(t.root, ".tmp-*")
	if err != nil {
		t.logger.Debug("cache write failed", slog.String("key", key), slog.Any("error", err))
		return
	}
	_, writeErr := tmp.Write(value)
	closeErr := tmp.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		_ = os.Remove(tmp.Name())
		t.logger.Debug("cache write failed", slog.String("key", key), slog.Any("error", err))
		return
	}
	if err := os.Rename(tmp.Name(), t.path(key)); err != nil {
		_ = os.Remove(tmp.Name())
		t.logger.Debug("cache write failed", slog.String("key", key), slog.Any("error", err))
	}
}

func (t *FileTier) delete(key string) {
	t.rootMu.RLock()
	defer t.rootMu.RUnlock()
	if err := os.Remove(t.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		t.logger.Debug("cache remove failed", slog.String("key", key), slog.Any("error", err))
	}
}

func (t *FileTier) reset() {
	t.rootMu.Lock()
	trash := ""
	if _, err := os.Stat(t.root); err == nil {
		trash = fmt.Sprintf("%s.trash-%d", t.root, time.Now().UnixNano())
		if err := os.Rename(t.root, trash); err != nil {
			t.logger.Debug("cache clear rename failed", slog.Any("error", err))
			trash = ""
			_ = os.RemoveAll(t.root)
		}
	}
	if err := os.MkdirAll(t.root, 0o755); err != nil {
		t.logger.Warn("cache directory unavailable", slog.String("root", t.root), slog.Any("error", err))
	}
	t.rootMu.Unlock()

	if trash != "" {
		if err := os.RemoveAll(trash); err != nil {
			t.logger.Debug("cache trash removal failed", slog.String("path", trash), slog.Any("error", err))
		}
	}
}

// withFileLock coordinates with other processes sharing the directory: writers
// hold the lock shared, Clear holds it exclusively. The operation still runs
// when the lock cannot be taken.
func (t *FileTier) withFileLock(exclusive bool, fn func()) {
	if err := os.MkdirAll(filepath.Dir(t.root), 0o755); err != nil {
		fn()
		return
	}
	var err error
	if exclusive {
		err = t.lock.Lock()
	} else {
		err = t.lock.RLock()
	}
	if err != nil {
		t.logger.Debug("cache lock unavailable", slog.String("path", t.lock.Path()), slog.Any("error", err))
		fn()
		return
	}
	defer func() {
		if err := t.lock.Unlock(); err != nil {
			t.logger.Debug("cache unlock failed", slog.Any("error", err))
		}
	}()
	fn()
}

func (t *FileTier) path(key string) string {
	return filepath.Join(t.root, fileName(key))
}

// fileName escapes a key for use as a file name. Path separators and colons
// become underscores; names that are too long or would collide with the tier's
// hidden temp files are shortened with a digest suffix.
func fileName(key string) string {
	name := fileNameReplacer.Replace(key)
	if name != "" && len(name) <= maxFileNameLength && !strings.HasPrefix(name, ".") {
		return name
	}
	sum := sha256.Sum256([]byte(key))
	prefix := strings.TrimLeft(name, ".")
	if len(prefix) > 64 {
		prefix = prefix[:64]
	}
	return prefix + "-" + hex.EncodeToString(sum[:])
}
