// Package preflight provides functions for validation and checks that run before
// a job begins. Apart from creating a missing target directory they do not change
// the system's state; they exist so a misconfigured run fails with a readable
// message instead of half way through a dump.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/paulschiretz/pgl-moodle/pkg/plog"
	"github.com/paulschiretz/pgl-moodle/pkg/util"
)

// Validator runs the checks requested by a Plan.
type Validator struct {
	// lookPath allows mocking exec.LookPath in tests.
	lookPath func(file string) (string, error)
}

// NewValidator returns a Validator that resolves binaries with exec.LookPath.
func NewValidator() *Validator {
	return &Validator{lookPath: exec.LookPath}
}

// Run executes the checks enabled in p in a fixed order: binaries, Moodle
// directory, target directory.
func (v *Validator) Run(ctx context.Context, p *Plan) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	for _, bin := range p.Binaries {
		if err := v.checkBinary(bin); err != nil {
			return err
		}
	}

	if p.MoodleDir != "" {
		if err := CheckMoodleDir(p.MoodleDir); err != nil {
			return err
		}
	}

	if p.TargetDir == "" {
		return nil
	}

	if p.TargetAccessible {
		if err := checkTargetAccessible(p.TargetDir); err != nil {
			return err
		}
	}

	if p.DryRun {
		if p.EnsureTargetExists || p.TargetWriteable {
			plog.Notice("[DRY RUN] Would create and write-test target directory", "path", p.TargetDir)
		}
		return nil
	}

	if p.EnsureTargetExists {
		if err := os.MkdirAll(p.TargetDir, util.WithUserWritePermission(util.PrivateDirPerms)); err != nil {
			return fmt.Errorf("failed to create target directory %s: %w", p.TargetDir, err)
		}
	}

	if p.TargetWriteable {
		if err := CheckTargetWritable(p.TargetDir); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) checkBinary(bin string) error {
	if bin == "" {
		return errors.New("no executable configured")
	}
	path, err := v.lookPath(bin)
	if err != nil {
		return fmt.Errorf("executable %q not found: %w", bin, err)
	}
	plog.Debug("Resolved executable", "name", bin, "path", path)
	return nil
}

// CheckMoodleDir validates that dir exists, is a directory and contains a config.php.
func CheckMoodleDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("moodle directory %s does not exist", dir)
		}
		return fmt.Errorf("cannot stat moodle directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("moodle path %s is not a directory", dir)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.php")); err != nil {
		return fmt.Errorf("moodle directory %s has no readable config.php: %w", dir, err)
	}
	return nil
}

// checkTargetAccessible ensures the target directory is usable or can be created.
// It provides more user-friendly errors than letting os.MkdirAll fail.
//
// The checks include:
//  1. The target is not the current directory or a filesystem/drive root.
//  2. On Windows, the drive or network share (e.g., "Z:", "\\Server\Share") exists.
//  3. If the target exists, it is a directory.
//  4. If the target does not exist, its deepest existing ancestor is accessible.
func checkTargetAccessible(targetPath string) error {
	cleaned := filepath.Clean(targetPath)
	if isUnsafeRoot(cleaned) {
		return fmt.Errorf("target path cannot be the current directory or a root directory: %s", targetPath)
	}

	if err := checkVolumeExists(cleaned); err != nil {
		return err
	}

	info, err := os.Stat(cleaned)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("target path exists but is not a directory: %s", targetPath)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("cannot access target path: %w", err)
	}

	// Walk up to the deepest ancestor that is not reported as missing.
	ancestor := cleaned
	for {
		parent := filepath.Dir(ancestor)
		if parent == ancestor {
			return nil
		}
		ancestor = parent
		info, err := os.Stat(ancestor)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("cannot access ancestor directory %s: %w", ancestor, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("ancestor path exists but is not a directory: %s", ancestor)
		}
		return nil
	}
}

// CheckTargetWritable ensures the existing target directory accepts new files
// by creating and deleting a temporary file.
func CheckTargetWritable(targetPath string) error {
	info, err := os.Stat(targetPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("target directory does not exist: %s", targetPath)
	} else if err != nil {
		return fmt.Errorf("cannot access target directory %s: %w", targetPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("target path exists but is not a directory: %s", targetPath)
	}

	f, err := os.CreateTemp(targetPath, ".pgl-moodle-writetest-*.tmp")
	if err != nil {
		return fmt.Errorf("target directory %s is not writable: %w", targetPath, err)
	}
	name := f.Name()
	f.Close()
	_ = os.Remove(name)
	return nil
}
