package checks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tis24dev/statesave/internal/logging"
	"github.com/tis24dev/statesave/internal/safefs"
	"github.com/tis24dev/statesave/internal/subprocess"
)

// createTestFile is a small indirection over os.CreateTemp used by permission
// checks to allow tests to inject controlled failures (e.g., EIO) without
// depending on specific filesystem behavior.
var createTestFile = os.CreateTemp

var (
	osStat       = os.Stat
	osRemove     = os.Remove
	osMkdirAll   = os.MkdirAll
	freeBytes    = safefs.FreeBytes
	binaryOnPath = subprocess.Available
)

// statTimeout bounds each filesystem probe so a hung mount cannot stall a run.
const statTimeout = 10 * time.Second

// Checker performs pre-run validation checks
type Checker struct {
	logger *logging.Logger
	config *CheckerConfig
}

// CheckerConfig holds configuration for pre-run checks
type CheckerConfig struct {
	StateDir     string
	StagingDir   string
	BaseDir      string
	Sources      []string
	MinFreeBytes uint64
	Binaries     []string // executables that must resolve on PATH
	DryRun       bool
}

// Validate checks if the checker configuration is valid
func (c *CheckerConfig) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state directory cannot be empty")
	}
	if c.StagingDir == "" {
		c.StagingDir = filepath.Join(c.StateDir, "staging")
	}
	if c.BaseDir == "" {
		return fmt.Errorf("base directory cannot be empty")
	}
	return nil
}

// CheckResult holds the result of a validation check
type CheckResult struct {
	Name    string
	Passed  bool
	Message string
	Error   error
}

// NewChecker creates a new pre-run checker
func NewChecker(logger *logging.Logger, config *CheckerConfig) *Checker {
	return &Checker{
		logger: logger,
		config: config,
	}
}

// RunAllChecks performs all pre-backup validation checks.
// Directories must exist before disk space or permissions can be probed.
func (c *Checker) RunAllChecks(ctx context.Context) ([]CheckResult, error) {
	c.logger.Debug("Running pre-backup validation checks")
	if err := c.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid checker configuration: %w", err)
	}

	steps := []func(context.Context) CheckResult{
		c.CheckDirectories,
		c.CheckSources,
		c.CheckBinaries,
		c.CheckDiskSpace,
		c.CheckPermissions,
	}

	var results []CheckResult
	for _, step := range steps {
		result := step(ctx)
		results = append(results, result)
		if !result.Passed {
			return results, fmt.Errorf("%s check failed: %w", result.Name, result.Error)
		}
	}

	c.logger.Debug("All pre-backup checks passed")
	return results, nil
}

func failed(result CheckResult, err error) CheckResult {
	result.Passed = false
	result.Error = err
	result.Message = err.Error()
	return result
}

// CheckDirectories verifies the base directory exists and creates the state
// and staging directories when missing.
func (c *Checker) CheckDirectories(ctx context.Context) CheckResult {
	result := CheckResult{Name: "Directories"}

	info, err := safefs.Stat(ctx, c.config.BaseDir, statTimeout)
	if err != nil {
		return failed(result, fmt.Errorf("base directory %s is not accessible: %w", c.config.BaseDir, err))
	}
	if !info.IsDir() {
		return failed(result, fmt.Errorf("base directory %s is not a directory", c.config.BaseDir))
	}

	for _, dir := range []string{c.config.StateDir, c.config.StagingDir} {
		c.logger.Debug("Checking directory: %s", dir)
		info, err := osStat(dir)
		if err == nil {
			if !info.IsDir() {
				return failed(result, fmt.Errorf("required path is not a directory: %s", dir))
			}
			continue
		}
		if !errors.Is(err, os.ErrNotExist) {
			return failed(result, fmt.Errorf("failed to stat directory %s: %w", dir, err))
		}
		if c.config.DryRun {
			c.logger.Info("[DRY RUN] Would create directory: %s", dir)
			continue
		}
		if err := osMkdirAll(dir, 0o755); err != nil {
			return failed(result, fmt.Errorf("failed to create directory %s: %w", dir, err))
		}
		c.logger.Info("Created missing directory: %s", dir)
	}

	result.Passed = true
	result.Message = "All required directories exist"
	c.logger.Debug("%s", result.Message)
	return result
}

// CheckSources verifies every configured source stays under the base
// directory and exists.
func (c *Checker) CheckSources(ctx context.Context) CheckResult {
	result := CheckResult{Name: "Sources"}
	for _, src := range c.config.Sources {
		path, err := safefs.SafePath(c.config.BaseDir, src)
		if err != nil {
			return failed(result, err)
		}
		if _, err := safefs.Stat(ctx, path, statTimeout); err != nil {
			return failed(result, fmt.Errorf("source %s: %w", src, err))
		}
	}
	result.Passed = true
	result.Message = fmt.Sprintf("%d source(s) found under %s", len(c.config.Sources), c.config.BaseDir)
	return result
}

// CheckDiskSpace verifies the staging filesystem has the configured headroom.
func (c *Checker) CheckDiskSpace(ctx context.Context) CheckResult {
	result := CheckResult{Name: "Disk Space"}
	if c.config.MinFreeBytes == 0 {
		result.Passed = true
		result.Message = "No minimum free space configured"
		return result
	}

	dir := existingAncestor(c.config.StagingDir)
	free, err := freeBytes(ctx, dir, statTimeout)
	if err != nil {
		return failed(result, fmt.Errorf("failed to read free space on %s: %w", dir, err))
	}
	if free < c.config.MinFreeBytes {
		err := fmt.Errorf("insufficient disk space on %s: %s available, %s required",
			dir, humanize.IBytes(free), humanize.IBytes(c.config.MinFreeBytes))
		c.logger.Error("%s", err)
		return failed(result, err)
	}

	result.Passed = true
	result.Message = fmt.Sprintf("%s available on %s", humanize.IBytes(free), dir)
	c.logger.Debug("%s", result.Message)
	return result
}

// existingAncestor returns dir or its nearest parent that exists, so free
// space can be measured before the staging tree is created.
func existingAncestor(dir string) string {
	dir = filepath.Clean(dir)
	for {
		if _, err := osStat(dir); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}

// CheckBinaries verifies every required external tool is installed.
func (c *Checker) CheckBinaries(ctx context.Context) CheckResult {
	result := CheckResult{Name: "Binaries"}
	var missing []string
	for _, name := range c.config.Binaries {
		if !binaryOnPath(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return failed(result, fmt.Errorf("required executable(s) not found in PATH: %s", strings.Join(missing, ", ")))
	}
	result.Passed = true
	result.Message = fmt.Sprintf("%d required executable(s) found", len(c.config.Binaries))
	return result
}

// CheckPermissions verifies the staging directory is writable.
func (c *Checker) CheckPermissions(ctx context.Context) CheckResult {
	result := CheckResult{Name: "Permissions"}
	if c.config.DryRun {
		result.Passed = true
		result.Message = "Skipped in dry run"
		return result
	}
	f, err := createTestFile(c.config.StagingDir, ".write-test-*")
	if err != nil {
		return failed(result, fmt.Errorf("staging directory %s is not writable: %w", c.config.StagingDir, err))
	}
	name := f.Name()
	f.Close()
	if err := osRemove(name); err != nil {
		c.logger.Warning("Failed to remove permission probe %s: %v", name, err)
	}
	result.Passed = true
	result.Message = "Staging directory is writable"
	return result
}
