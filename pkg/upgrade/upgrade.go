// Package upgrade installs available plugin updates and runs the non-core
// upgrade of a site.
//
// The install/upgrade pair runs twice: installing a plugin can make further
// updates installable, and upgrading can be required before they are. The
// number of installable updates left after the second pass is reported so an
// operator can tell "done" from "N need attention".
package upgrade

import (
	"context"
	"errors"
	"fmt"

	"github.com/paulschiretz/pgl-moodle/pkg/plog"
)

// Passes is the number of install/upgrade passes per run.
const Passes = 2

// ErrInstallFailed is returned when the plugin manager reports a failed install.
var ErrInstallFailed = errors.New("plugin installation failed")

// Update describes an available plugin update.
type Update struct {
	Component   string `json:"component"`
	Version     string `json:"version"`
	Release     string `json:"release,omitempty"`
	Maturity    string `json:"maturity,omitempty"`
	DownloadURL string `json:"download,omitempty"`
}

// PluginManager is the part of the site's plugin manager the upgrade needs.
type PluginManager interface {
	AvailableUpdates(ctx context.Context) ([]Update, error)
	FilterInstallable(ctx context.Context, updates []Update) ([]Update, error)
	InstallPlugins(ctx context.Context, updates []Update, confirmed, silent bool) (bool, error)
	UpgradeNonCore(ctx context.Context, verbose bool) error
}

// CacheInvalidator is implemented by managers that can drop compiled code
// caches before the run.
type CacheInvalidator interface {
	InvalidateCache(ctx context.Context) error
}

// PassResult records one install/upgrade pass.
type PassResult struct {
	Available   int
	Installable []Update
	Installed   bool
	Upgraded    bool
}

// Result is the outcome of a run. Remaining is the number of installable
// updates found in the last pass.
type Result struct {
	Passes    []PassResult
	Remaining int
}

type Upgrader struct {
	manager PluginManager
}

// NewUpgrader creates an Upgrader driving manager.
func NewUpgrader(manager PluginManager) *Upgrader {
	return &Upgrader{manager: manager}
}

// Run invalidates caches if supported, then executes Passes passes of
// query, filter, install and non-core upgrade.
func (u *Upgrader) Run(ctx context.Context, p *Plan) (Result, error) {
	if inv, ok := u.manager.(CacheInvalidator); ok && !p.DryRun {
		if err := inv.InvalidateCache(ctx); err != nil {
			return Result{}, fmt.Errorf("failed to invalidate code cache: %w", err)
		}
	}

	if p.DryRun {
		pass, err := u.query(ctx)
		if err != nil {
			return Result{}, err
		}
		for _, up := range pass.Installable {
			plog.Notice("[DRY RUN] Would install plugin update", "component", up.Component, "version", up.Version, "release", up.Release)
		}
		plog.Notice("[DRY RUN] Would run the non-core upgrade", "passes", Passes)
		return Result{Passes: []PassResult{pass}, Remaining: len(pass.Installable)}, nil
	}

	var res Result
	for i := 1; i <= Passes; i++ {
		pass, err := u.runPass(ctx, p, i)
		res.Passes = append(res.Passes, pass)
		if err != nil {
			return res, err
		}
		res.Remaining = len(pass.Installable)
	}
	plog.Info("Plugin upgrade finished", "remaining", res.Remaining)
	return res, nil
}

func (u *Upgrader) query(ctx context.Context) (PassResult, error) {
	available, err := u.manager.AvailableUpdates(ctx)
	if err != nil {
		return PassResult{}, fmt.Errorf("failed to query available updates: %w", err)
	}
	installable, err := u.manager.FilterInstallable(ctx, available)
	if err != nil {
		return PassResult{}, fmt.Errorf("failed to filter installable updates: %w", err)
	}
	return PassResult{Available: len(available), Installable: installable}, nil
}

func (u *Upgrader) runPass(ctx context.Context, p *Plan, n int) (PassResult, error) {
	select {
	case <-ctx.Done():
		return PassResult{}, ctx.Err()
	default:
	}

	pass, err := u.query(ctx)
	if err != nil {
		return pass, err
	}
	plog.Info("Checked for plugin updates", "pass", n, "available", pass.Available, "installable", len(pass.Installable))

	if len(pass.Installable) > 0 {
		for _, up := range pass.Installable {
			plog.Info("Installing plugin update", "component", up.Component, "version", up.Version)
		}
		ok, err := u.manager.InstallPlugins(ctx, pass.Installable, p.Confirmed, p.Silent)
		if err != nil {
			return pass, fmt.Errorf("failed to install plugins: %w", err)
		}
		if !ok {
			return pass, ErrInstallFailed
		}
		pass.Installed = true
	}

	if err := u.manager.UpgradeNonCore(ctx, p.Verbose); err != nil {
		return pass, fmt.Errorf("non-core upgrade failed: %w", err)
	}
	pass.Upgraded = true
	return pass, nil
}
