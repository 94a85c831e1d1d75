package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	"github.com/franz/phototank/internal/config"
	"github.com/franz/phototank/internal/derive"
	"github.com/franz/phototank/internal/heif"
	"github.com/franz/phototank/internal/store"
	"github.com/franz/phototank/internal/util"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks on the environment and configuration",
	Long: `Run diagnostic checks to ensure phototank can operate correctly.

This command checks:
- Configuration validity
- SQLite version and catalog integrity
- Library, staging, quarantine, derivative and event folders
- Whether staging and library share a filesystem (moves stay renames)
- WEBP encoder and HEIC decoder availability
- Geocoding configuration
- Disk space availability`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type checkResult struct {
	name    string
	message string
	error   bool
	warning bool
}

func runDoctor(cmd *cobra.Command, args []string) error {
	util.InfoLog("=== phototank doctor ===")
	util.InfoLog("")

	results := []checkResult{checkSQLite()}

	settings, err := config.Load(viper.GetViper())
	if err != nil {
		results = append(results, checkResult{name: "Configuration", error: true, message: err.Error()})
	} else {
		results = append(results, checkResult{name: "Configuration", message: "valid"})
		results = append(results, runSettingsChecks(settings)...)
	}

	// Print results
	util.InfoLog("")
	util.InfoLog("=== Diagnostic Results ===")
	util.InfoLog("")

	hasErrors := false
	hasWarnings := false

	for _, r := range results {
		symbol := "✓"
		if r.error {
			symbol = "✗"
			hasErrors = true
		} else if r.warning {
			symbol = "⚠"
			hasWarnings = true
		}

		line := fmt.Sprintf("[%s] %s", symbol, r.name)
		if r.message != "" {
			line += fmt.Sprintf(": %s", r.message)
		}

		if r.error {
			util.ErrorLog("%s", line)
		} else if r.warning {
			util.WarnLog("%s", line)
		} else {
			util.SuccessLog("%s", line)
		}
	}

	util.InfoLog("")
	if hasErrors {
		util.ErrorLog("Some critical checks failed. Please resolve errors before running phototank.")
		return fmt.Errorf("system diagnostics failed")
	} else if hasWarnings {
		util.WarnLog("Some checks produced warnings. Review them before proceeding.")
	} else {
		util.SuccessLog("All checks passed.")
	}
	return nil
}

func runSettingsChecks(s *config.Settings) []checkResult {
	results := []checkResult{
		checkDatabase(s.DBPath),
		checkDirectory("Photo library", s.PhotoRoot, true),
		checkDirectory("Staging folder", s.ImportRoot, false),
		checkDirectory("Quarantine folder", s.FailedRoot, true),
		checkDirectory("Derivatives", s.DerivRoot, true),
		checkDirectory("Event logs", s.EventsDir, true),
		checkSameFilesystem(s.ImportRoot, s.PhotoRoot),
		checkCatalogStorage(s.DBPath),
		checkLibraryStorage(s),
		checkEncoder(),
		checkHEIF(),
		checkGeocoding(s),
	}
	results = append(results, checkDiskSpace(s.PhotoRoot, "library"))
	if s.DerivRoot != s.PhotoRoot {
		results = append(results, checkDiskSpace(s.DerivRoot, "derivatives"))
	}
	return results
}

// checkSQLite verifies SQLite version
func checkSQLite() checkResult {
	version := store.SQLiteVersion()
	if version == "" {
		return checkResult{
			name:    "SQLite",
			error:   true,
			message: "unable to determine version",
		}
	}
	return checkResult{
		name:    "SQLite",
		message: fmt.Sprintf("version %s (built-in)", version),
	}
}

// checkDatabase verifies the catalog opens and passes an integrity check
func checkDatabase(dbPath string) checkResult {
	info, err := os.Stat(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return checkResult{
				name:    "Catalog",
				message: fmt.Sprintf("%s (will be created on first run)", dbPath),
			}
		}
		return checkResult{
			name:    "Catalog",
			error:   true,
			message: fmt.Sprintf("cannot access %s: %v", dbPath, err),
		}
	}
	if !info.Mode().IsRegular() {
		return checkResult{
			name:    "Catalog",
			error:   true,
			message: fmt.Sprintf("%s is not a regular file", dbPath),
		}
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return checkResult{
			name:    "Catalog",
			error:   true,
			message: fmt.Sprintf("cannot open %s: %v", dbPath, err),
		}
	}
	defer db.Close()

	if err := db.CheckIntegrity(); err != nil {
		return checkResult{
			name:    "Catalog",
			error:   true,
			message: fmt.Sprintf("integrity check failed: %v", err),
		}
	}

	photos, _ := db.CountByPrefix(context.Background(), "")
	return checkResult{
		name: "Catalog",
		message: fmt.Sprintf("%s (%s, %s photos)", dbPath,
			humanize.IBytes(uint64(info.Size())), humanize.Comma(int64(photos))),
	}
}

// checkDirectory verifies path is a writable directory. When create is set a
// missing directory is created; otherwise it is only reported.
func checkDirectory(name, path string, create bool) checkResult {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		if !create {
			return checkResult{
				name:    name,
				warning: true,
				message: fmt.Sprintf("%s does not exist", path),
			}
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return checkResult{
				name:    name,
				error:   true,
				message: fmt.Sprintf("cannot create %s: %v", path, err),
			}
		}
		return checkResult{name: name, message: fmt.Sprintf("%s (created)", path)}
	}
	if err != nil {
		return checkResult{
			name:    name,
			error:   true,
			message: fmt.Sprintf("cannot access %s: %v", path, err),
		}
	}
	if !info.IsDir() {
		return checkResult{
			name:    name,
			error:   true,
			message: fmt.Sprintf("%s is not a directory", path),
		}
	}

	// Check write permission by creating a temp file
	f, err := os.CreateTemp(path, ".phototank_write_test")
	if err != nil {
		return checkResult{
			name:    name,
			error:   true,
			message: fmt.Sprintf("cannot write to %s: %v", path, err),
		}
	}
	f.Close()
	os.Remove(f.Name())

	return checkResult{name: name, message: fmt.Sprintf("%s (writable)", path)}
}

// checkSameFilesystem warns when moves out of staging become copy+delete.
func checkSameFilesystem(staging, library string) checkResult {
	same, err := util.IsSameFilesystem(staging, library)
	if err != nil {
		return checkResult{
			name:    "Staging filesystem",
			warning: true,
			message: fmt.Sprintf("cannot compare: %v", err),
		}
	}
	if !same {
		return checkResult{
			name:    "Staging filesystem",
			warning: true,
			message: "staging and library are on different filesystems; moves will copy then delete",
		}
	}
	return checkResult{name: "Staging filesystem", message: "same as library"}
}

// checkCatalogStorage warns when the catalog sits on a network mount, where
// SQLite locking and WAL are unreliable.
func checkCatalogStorage(dbPath string) checkResult {
	info, err := util.DetectMount(filepath.Dir(dbPath))
	if err != nil {
		return checkResult{
			name:    "Catalog storage",
			warning: true,
			message: fmt.Sprintf("cannot inspect filesystem: %v", err),
		}
	}
	if info.Network {
		return checkResult{
			name:    "Catalog storage",
			warning: true,
			message: fmt.Sprintf("%s is on %s (%s); keep the database on local disk", dbPath, info.Protocol, info.MountPath),
		}
	}
	return checkResult{name: "Catalog storage", message: "local"}
}

func checkLibraryStorage(s *config.Settings) checkResult {
	profile := util.TuneForPaths(s.NASMode, s.ImportRoot, s.PhotoRoot)
	if !profile.Network {
		return checkResult{name: "Library storage", message: "local, standard transfer settings"}
	}
	where := "forced by nas_mode"
	if profile.Mount != nil {
		where = fmt.Sprintf("%s at %s", profile.Mount.Protocol, profile.Mount.MountPath)
	}
	return checkResult{
		name: "Library storage",
		message: fmt.Sprintf("network (%s): %s buffers, %d attempts per file operation",
			where, humanize.IBytes(uint64(profile.BufferSize)), profile.Retry.MaxAttempts),
	}
}

func checkEncoder() checkResult {
	if err := derive.CheckEncoder(); err != nil {
		return checkResult{
			name:    "WEBP encoder",
			error:   true,
			message: err.Error(),
		}
	}
	return checkResult{name: "WEBP encoder", message: "available"}
}

func checkHEIF() checkResult {
	return checkResult{name: "HEIC decoder", message: fmt.Sprintf("libvips %s", heif.Version())}
}

func checkGeocoding(s *config.Settings) checkResult {
	g := s.Geocode
	switch {
	case !g.Enabled:
		return checkResult{name: "Geocoding", message: "disabled"}
	case g.Username == "":
		return checkResult{
			name:    "Geocoding",
			warning: true,
			message: "enabled but geocode_username is empty; lookups are skipped",
		}
	case s.GeocodeMinInterval <= 0:
		return checkResult{
			name:    "Geocoding",
			warning: true,
			message: "geocode_min_interval is zero; requests are not throttled",
		}
	}
	return checkResult{
		name: "Geocoding",
		message: fmt.Sprintf("%s as %s, cache cell %dm, cooldown %s", g.Provider, g.Username,
			g.CellM, g.Cooldown),
	}
}

// checkDiskSpace verifies available disk space
func checkDiskSpace(path string, label string) checkResult {
	for {
		if _, err := os.Stat(path); err == nil || filepath.Dir(path) == path {
			break
		}
		path = filepath.Dir(path)
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return checkResult{
			name:    fmt.Sprintf("Disk space (%s)", label),
			warning: true,
			message: fmt.Sprintf("cannot determine disk space: %v", err),
		}
	}

	availBytes := stat.Bavail * uint64(stat.Bsize)
	totalBytes := stat.Blocks * uint64(stat.Bsize)
	usedBytes := totalBytes - (stat.Bfree * uint64(stat.Bsize))

	usedPercent := 0.0
	if totalBytes > 0 {
		usedPercent = float64(usedBytes) / float64(totalBytes) * 100
	}

	// Warn if less than 10GB available or >90% used
	warning := false
	warningMsg := ""
	if availBytes < 10*humanize.GiByte {
		warning = true
		warningMsg = " (low space!)"
	} else if usedPercent > 90 {
		warning = true
		warningMsg = " (>90% used)"
	}

	return checkResult{
		name:    fmt.Sprintf("Disk space (%s)", label),
		warning: warning,
		message: fmt.Sprintf("%s available%s", humanize.IBytes(availBytes), warningMsg),
	}
}
