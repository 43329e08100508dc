// Package workdir manages the per-session working directories described
// in spec.md §6/§4.5/§4.6: `<base>/.beam-send-<rand16hex>` and
// `<base>/.beam-recv-<roothex>`, each doubling as that session's blob
// store root. Collision detection uses a file lock the way other pack
// members (gravwell's gofrs/flock usage) guard a single-instance resource.
package workdir

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

const (
	sendPrefix = ".beam-send-"
	recvPrefix = ".beam-recv-"
)

// ErrPathConflict is returned when a working directory for this role
// already exists and is held by another live process (spec.md §7
// PathConflict).
var ErrPathConflict = errors.New("workdir: a session is already active in this directory")

// Dir wraps a created-and-locked working directory plus the means to
// release and remove it.
type Dir struct {
	Path string
	lock *flock.Flock
}

func randomHex16() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// NewSend creates `<base>/.beam-send-<rand16hex>`, refusing if the base
// directory already hosts a residual send session lock (spec.md §4.5).
func NewSend(base string) (*Dir, error) {
	if err := refuseIfResidual(base, sendPrefix); err != nil {
		return nil, err
	}
	suffix, err := randomHex16()
	if err != nil {
		return nil, fmt.Errorf("workdir: generate suffix: %w", err)
	}
	return create(filepath.Join(base, sendPrefix+suffix))
}

// NewReceive creates `<base>/.beam-recv-<roothex>`, reusing any existing
// directory for the same root hash so a receive can resume (spec.md §8
// invariant 5).
func NewReceive(base, rootHex string) (*Dir, error) {
	return create(filepath.Join(base, recvPrefix+rootHex))
}

func refuseIfResidual(base, prefix string) error {
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("workdir: scan %s: %w", base, err)
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		lockPath := filepath.Join(base, e.Name(), ".lock")
		fl := flock.New(lockPath)
		locked, err := fl.TryLock()
		if err != nil {
			continue
		}
		if !locked {
			return fmt.Errorf("%w: %s", ErrPathConflict, e.Name())
		}
		_ = fl.Unlock()
	}
	return nil
}

func create(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("workdir: mkdir %s: %w", path, err)
	}
	fl := flock.New(filepath.Join(path, ".lock"))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("workdir: lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrPathConflict, path)
	}
	return &Dir{Path: path, lock: fl}, nil
}

// VerifyWritable touches and removes a marker file to confirm write
// access, per spec.md §4.6 step 4.
func VerifyWritable(dir string) error {
	marker := filepath.Join(dir, ".beam-write-check")
	f, err := os.Create(marker)
	if err != nil {
		return fmt.Errorf("workdir: %s is not writable: %w", dir, err)
	}
	f.Close()
	return os.Remove(marker)
}

// Remove releases the lock and deletes the working directory on a
// best-effort basis (spec.md §5 cancellation semantics).
func (d *Dir) Remove() error {
	if d.lock != nil {
		_ = d.lock.Unlock()
	}
	return os.RemoveAll(d.Path)
}

// CleanAll removes every `.beam-send-*`/`.beam-recv-*` directory directly
// under dir, the process-level cleanup routine of spec.md §6.
func CleanAll(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("workdir: scan %s: %w", dir, err)
	}
	var firstErr error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), sendPrefix) || strings.HasPrefix(e.Name(), recvPrefix) {
			if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
