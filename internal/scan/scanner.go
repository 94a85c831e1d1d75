package scan

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/franz/phototank/internal/util"
)

// PhotoExtensions are the default supported photo file extensions
var PhotoExtensions = []string{
	".jpg",
	".jpeg",
	".tif",
	".tiff",
	".png",
	".heic",
	".webp",
}

// Scanner discovers staged photo files
type Scanner struct {
	extensions map[string]bool
	exclude    []string
}

// Config holds scanner configuration
type Config struct {
	Extensions []string // nil = PhotoExtensions
	Exclude    []string // subtrees to skip, e.g. the quarantine root
}

// New creates a new Scanner
func New(cfg *Config) *Scanner {
	exts := cfg.Extensions
	if len(exts) == 0 {
		exts = PhotoExtensions
	}
	extMap := make(map[string]bool, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		extMap[ext] = true
	}

	exclude := make([]string, 0, len(cfg.Exclude))
	for _, dir := range cfg.Exclude {
		if dir != "" {
			exclude = append(exclude, filepath.Clean(dir))
		}
	}
	return &Scanner{extensions: extMap, exclude: exclude}
}

// Result represents a scan result
type Result struct {
	Files   []string // sorted
	Skipped int
	Errors  []error
}

// Scan walks root and returns the candidate files. The list is gathered
// before any of them is moved.
func (s *Scanner) Scan(ctx context.Context, root string) (*Result, error) {
	result := &Result{}

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			util.WarnLog("Error accessing path %s: %v", path, err)
			result.Errors = append(result.Errors, fmt.Errorf("access error: %s: %w", path, err))
			return nil
		}

		if d.IsDir() {
			if path != root && s.excluded(path) {
				return filepath.SkipDir
			}
			return nil
		}

		if isTempFile(d.Name()) {
			result.Skipped++
			return nil
		}
		if !s.IsPhotoFile(path) {
			return nil
		}
		result.Files = append(result.Files, path)
		return nil
	})

	sort.Strings(result.Files)
	if walkErr != nil {
		return result, fmt.Errorf("walk error: %w", walkErr)
	}

	util.DebugLog("Scan of %s: %d candidates, %d skipped, %d errors",
		root, len(result.Files), result.Skipped, len(result.Errors))
	return result, nil
}

func (s *Scanner) excluded(path string) bool {
	for _, dir := range s.exclude {
		if util.IsWithin(path, dir) {
			return true
		}
	}
	return false
}

// isTempFile matches the in-flight names written by the library placer.
func isTempFile(name string) bool {
	return strings.HasSuffix(name, ".part") ||
		(strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".incoming"))
}

// IsPhotoFile checks if a file has a supported photo extension
func (s *Scanner) IsPhotoFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return s.extensions[ext]
}

// GetSupportedExtensions returns the list of supported extensions
func (s *Scanner) GetSupportedExtensions() []string {
	exts := make([]string, 0, len(s.extensions))
	for ext := range s.extensions {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}
