// Package library places staged files into the date-bucketed photo tree and
// into quarantine.
package library

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/franz/phototank/internal/util"
)

// Mode selects whether staged files are moved or copied.
type Mode string

const (
	ModeMove Mode = "move"
	ModeCopy Mode = "copy"
)

// ParseMode validates an ingest mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeMove, ModeCopy:
		return m, nil
	default:
		return "", fmt.Errorf("%w: ingest mode must be 'move' or 'copy', got %q", util.ErrInvalidConfig, s)
	}
}

// DefaultCollisionLimit bounds the __N suffix search.
const DefaultCollisionLimit = 10000

// Placer moves or copies files under the library root.
type Placer struct {
	root           string
	failedRoot     string
	collisionLimit int
	bufferSize     int
	retryConfig    *util.RetryConfig
}

// Config holds placer configuration
type Config struct {
	Root           string
	FailedRoot     string
	CollisionLimit int               // 0 = DefaultCollisionLimit
	BufferSize     int               // copy buffer in bytes (0 = 128KB)
	RetryConfig    *util.RetryConfig // filesystem retries (nil = no retries)
}

// New creates a Placer
func New(cfg *Config) *Placer {
	if cfg.CollisionLimit <= 0 {
		cfg.CollisionLimit = DefaultCollisionLimit
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 128 * 1024
	}
	if cfg.RetryConfig == nil {
		cfg.RetryConfig = &util.RetryConfig{MaxAttempts: 1}
	}
	return &Placer{
		root:           cfg.Root,
		failedRoot:     cfg.FailedRoot,
		collisionLimit: cfg.CollisionLimit,
		bufferSize:     cfg.BufferSize,
		retryConfig:    cfg.RetryConfig,
	}
}

// Root returns the library root.
func (p *Placer) Root() string { return p.root }

// FailedRoot returns the quarantine directory.
func (p *Placer) FailedRoot() string { return p.failedRoot }

// WithFailedRoot returns a copy of p that quarantines into dir.
func (p *Placer) WithFailedRoot(dir string) *Placer {
	c := *p
	c.failedRoot = dir
	return &c
}

// DatedPath returns <root>/<YYYY>/<MM>/<DD>/<name>.
func (p *Placer) DatedPath(t time.Time, name string) string {
	return filepath.Join(p.root,
		fmt.Sprintf("%04d", t.Year()), fmt.Sprintf("%02d", int(t.Month())), fmt.Sprintf("%02d", t.Day()),
		name)
}

// Place moves or copies src to dest, choosing stem__N.ext when dest is
// taken. It returns the path actually written.
func (p *Placer) Place(ctx context.Context, src, dest string, mode Mode) (string, error) {
	if err := util.RetryableMkdirAll(filepath.Dir(dest), 0755, p.retryConfig); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	target, err := freeName(dest, p.collisionLimit)
	if err != nil {
		return "", err
	}
	if err := p.transfer(ctx, src, target, mode); err != nil {
		return "", err
	}
	return target, nil
}

// Replace overwrites dest with src atomically: the data lands in
// .<name>.incoming beside dest and is renamed over it.
func (p *Placer) Replace(ctx context.Context, src, dest string, mode Mode) error {
	if err := util.RetryableMkdirAll(filepath.Dir(dest), 0755, p.retryConfig); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp := IncomingPath(dest)
	os.Remove(tmp)

	if err := p.transfer(ctx, src, tmp, mode); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := util.RetryableRename(tmp, dest, p.retryConfig); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", dest, err)
	}
	util.DebugLog("Replaced: %s -> %s", src, dest)
	return nil
}

// IncomingPath is the temporary name Replace uses for dest.
func IncomingPath(dest string) string {
	return filepath.Join(filepath.Dir(dest), "."+filepath.Base(dest)+".incoming")
}

// Quarantine moves or copies src into the failed root under its base name.
func (p *Placer) Quarantine(ctx context.Context, src string, mode Mode) (string, error) {
	dest, err := p.Place(ctx, src, filepath.Join(p.failedRoot, filepath.Base(src)), mode)
	if err != nil {
		return "", fmt.Errorf("failed to quarantine %s: %w", src, err)
	}
	util.WarnLog("Quarantined %s -> %s", src, dest)
	return dest, nil
}

func (p *Placer) transfer(ctx context.Context, src, dest string, mode Mode) error {
	var err error
	switch mode {
	case ModeCopy:
		_, err = p.copyFile(ctx, src, dest)
	case ModeMove:
		_, err = p.moveFile(ctx, src, dest)
	default:
		err = fmt.Errorf("%w: unknown ingest mode %q", util.ErrInvalidConfig, mode)
	}
	return err
}

// freeName returns dest, or the first stem__N.ext (1 <= N < limit) that does
// not exist.
func freeName(dest string, limit int) (string, error) {
	if !util.FileExists(dest) {
		return dest, nil
	}
	ext := filepath.Ext(dest)
	stem := strings.TrimSuffix(dest, ext)
	for i := 1; i < limit; i++ {
		cand := fmt.Sprintf("%s__%d%s", stem, i, ext)
		if !util.FileExists(cand) {
			return cand, nil
		}
	}
	return "", fmt.Errorf("%w: %s", util.ErrTooManyCollisions, dest)
}

// copyFile copies src to dest through a .part file and keeps src's mtime.
func (p *Placer) copyFile(ctx context.Context, src, dest string) (int64, error) {
	in, err := util.RetryableOpen(src, p.retryConfig)
	if err != nil {
		return 0, fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat source: %w", err)
	}

	tempPath := dest + ".part"
	out, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	written, err := copyWithContext(ctx, out, in, p.bufferSize)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("failed to copy: %w", err)
	}
	if err := os.Chtimes(tempPath, info.ModTime(), info.ModTime()); err != nil {
		util.WarnLog("Failed to preserve mtime on %s: %v", dest, err)
	}

	if err := util.RetryableRename(tempPath, dest, p.retryConfig); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("failed to rename: %w", err)
	}

	util.DebugLog("Copied: %s -> %s (%s)", src, dest, humanize.IBytes(uint64(written)))
	return written, nil
}

// moveFile renames src to dest, falling back to copy, verify and delete when
// the rename crosses filesystems.
func (p *Placer) moveFile(ctx context.Context, src, dest string) (int64, error) {
	if err := util.RetryableRename(src, dest, p.retryConfig); err == nil {
		if stat, _ := util.RetryableStat(dest, p.retryConfig); stat != nil {
			return stat.Size(), nil
		}
		return 0, nil
	}

	written, err := p.copyFile(ctx, src, dest)
	if err != nil {
		return 0, err
	}

	srcHash, err := util.GenerateContentHash(src)
	if err == nil {
		var destHash string
		destHash, err = util.GenerateContentHash(dest)
		if err == nil && srcHash != destHash {
			err = fmt.Errorf("content mismatch")
		}
	}
	if err != nil {
		os.Remove(dest)
		return 0, fmt.Errorf("verification failed before deleting source: %w", err)
	}

	if err := os.Remove(src); err != nil {
		util.WarnLog("Failed to delete source file %s: %v", src, err)
	}

	util.DebugLog("Moved: %s -> %s", src, dest)
	return written, nil
}

// copyWithContext copies data with context cancellation support
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader, bufferSize int) (int64, error) {
	buf := make([]byte, bufferSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[:nr])
			written += int64(nw)
			if ew != nil {
				return written, ew
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if er == io.EOF {
			return written, nil
		}
		if er != nil {
			return written, er
		}
	}
}
