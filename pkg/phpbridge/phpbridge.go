// Package phpbridge implements upgrade.PluginManager by running a small PHP
// script inside the site's code base with the PHP CLI.
package phpbridge

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-moodle/pkg/plog"
	"github.com/paulschiretz/pgl-moodle/pkg/upgrade"
)

//go:embed bridge.php
var bridgeScript []byte

// Environment variables read by the bridge script.
const (
	EnvMoodleDir  = "PGL_MOODLE_DIR"
	EnvResultFile = "PGL_MOODLE_RESULT"
)

// Operation names understood by the bridge script.
const (
	OpOpcacheReset      = "opcache_reset"
	OpAvailableUpdates  = "available_updates"
	OpFilterInstallable = "filter_installable"
	OpInstallPlugins    = "install_plugins"
	OpUpgradeNonCore    = "upgrade_noncore"
)

// Request is sent as JSON on the script's stdin.
type Request struct {
	Op        string           `json:"op"`
	Updates   []upgrade.Update `json:"updates,omitempty"`
	Confirmed bool             `json:"confirmed,omitempty"`
	Silent    bool             `json:"silent,omitempty"`
	Verbose   bool             `json:"verbose,omitempty"`
}

// Response is read from the result file after the script exits 0.
type Response struct {
	OK        bool             `json:"ok"`
	Updates   []upgrade.Update `json:"updates"`
	Installed bool             `json:"installed"`
	Reset     bool             `json:"reset"`
}

type Manager struct {
	phpBinary string
	moodleDir string
	// stdout receives what Moodle prints during install and upgrade.
	stdout io.Writer
	// commandContext allows mocking os/exec for testing.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

var _ upgrade.PluginManager = (*Manager)(nil)
var _ upgrade.CacheInvalidator = (*Manager)(nil)

// NewManager creates a Manager for the site in moodleDir.
func NewManager(phpBinary, moodleDir string, stdout io.Writer, commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *Manager {
	if stdout == nil {
		stdout = os.Stdout
	}
	return &Manager{
		phpBinary:      phpBinary,
		moodleDir:      moodleDir,
		stdout:         stdout,
		commandContext: commandContext,
	}
}

func (m *Manager) InvalidateCache(ctx context.Context) error {
	resp, err := m.call(ctx, Request{Op: OpOpcacheReset})
	if err != nil {
		return err
	}
	plog.Debug("Opcode cache reset", "reset", resp.Reset)
	return nil
}

func (m *Manager) AvailableUpdates(ctx context.Context) ([]upgrade.Update, error) {
	resp, err := m.call(ctx, Request{Op: OpAvailableUpdates})
	if err != nil {
		return nil, err
	}
	return resp.Updates, nil
}

func (m *Manager) FilterInstallable(ctx context.Context, updates []upgrade.Update) ([]upgrade.Update, error) {
	if len(updates) == 0 {
		return nil, nil
	}
	resp, err := m.call(ctx, Request{Op: OpFilterInstallable, Updates: updates})
	if err != nil {
		return nil, err
	}
	return resp.Updates, nil
}

func (m *Manager) InstallPlugins(ctx context.Context, updates []upgrade.Update, confirmed, silent bool) (bool, error) {
	resp, err := m.call(ctx, Request{Op: OpInstallPlugins, Updates: updates, Confirmed: confirmed, Silent: silent})
	if err != nil {
		return false, err
	}
	return resp.Installed, nil
}

func (m *Manager) UpgradeNonCore(ctx context.Context, verbose bool) error {
	_, err := m.call(ctx, Request{Op: OpUpgradeNonCore, Verbose: verbose})
	return err
}

// call runs the bridge script for one request.
func (m *Manager) call(ctx context.Context, req Request) (Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("failed to encode %s request: %w", req.Op, err)
	}

	tmpDir, err := os.MkdirTemp("", "pgl-moodle-bridge-")
	if err != nil {
		return Response{}, fmt.Errorf("failed to create bridge directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	scriptPath := filepath.Join(tmpDir, "bridge.php")
	if err := os.WriteFile(scriptPath, bridgeScript, 0600); err != nil {
		return Response{}, fmt.Errorf("failed to write bridge script: %w", err)
	}
	resultPath := filepath.Join(tmpDir, "result.json")

	var stderr bytes.Buffer
	cmd := m.commandContext(ctx, m.phpBinary, scriptPath)
	cmd.Env = append(cmd.Environ(), EnvMoodleDir+"="+m.moodleDir, EnvResultFile+"="+resultPath)
	cmd.Dir = m.moodleDir
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = m.stdout
	cmd.Stderr = io.MultiWriter(&stderr, os.Stderr)
	setProcessGroup(cmd)

	plog.Debug("Running PHP bridge", "op", req.Op, "php", m.phpBinary)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return Response{}, fmt.Errorf("%s failed: %w: %s", req.Op, err, msg)
		}
		return Response{}, fmt.Errorf("%s failed: %w", req.Op, err)
	}

	data, err := os.ReadFile(resultPath)
	if err != nil {
		return Response{}, fmt.Errorf("%s returned no result: %w", req.Op, err)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, fmt.Errorf("%s returned an invalid result: %w", req.Op, err)
	}
	if !resp.OK {
		return Response{}, errors.New(req.Op + " did not complete")
	}
	return resp, nil
}
