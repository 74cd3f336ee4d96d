// Package cfgexport writes the settings of a Moodle site into a PHP file of
// $CFG assignments and forced plugin settings. Including that file from another
// site's config.php reproduces the configuration there, minus the values that
// only make sense on the source site.
package cfgexport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-moodle/pkg/metrics"
	"github.com/paulschiretz/pgl-moodle/pkg/plog"
	"github.com/paulschiretz/pgl-moodle/pkg/util"
)

// FileName returns the name of the generated file for an application.
func FileName(appName string) string {
	return "config-" + appName + ".php"
}

// Result describes a finished export.
type Result struct {
	Path           string
	Globals        int
	PluginSettings int
	Plugins        int
	Excluded       int
	Bytes          int
}

type Exporter struct {
	source Source
}

// NewExporter creates an Exporter reading from source.
func NewExporter(source Source) *Exporter {
	return &Exporter{source: source}
}

// Export reads all settings, drops the excluded ones and replaces the target
// file. Any read or write error aborts the export and leaves an existing file untouched.
func (e *Exporter) Export(ctx context.Context, p *Plan) (Result, error) {
	var m metrics.ExportMetrics
	if p.Metrics {
		m = &metrics.ExportCounters{}
	} else {
		m = &metrics.NoopExportMetrics{}
	}

	path := filepath.Join(p.Dir, FileName(p.AppName))
	data, res, err := e.generate(ctx, m)
	if err != nil {
		return Result{}, err
	}
	res.Path = path

	if p.DryRun {
		plog.Notice("[DRY RUN] Would write settings file", "path", path, "bytes", res.Bytes)
		m.LogSummary("Export summary")
		return res, nil
	}

	if err := os.MkdirAll(p.Dir, util.WithUserWritePermission(util.PrivateDirPerms)); err != nil {
		return Result{}, fmt.Errorf("failed to create export directory %s: %w", p.Dir, err)
	}
	if err := util.WriteFileAtomic(path, data, util.GroupReadableFilePerms); err != nil {
		return Result{}, err
	}
	m.LogSummary("Export summary")
	return res, nil
}

// generate renders the file content without touching the file system.
func (e *Exporter) generate(ctx context.Context, m metrics.ExportMetrics) ([]byte, Result, error) {
	globals, err := e.source.GlobalSettings(ctx)
	if err != nil {
		return nil, Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return nil, Result{}, err
	}
	plugins, err := e.source.PluginSettings(ctx)
	if err != nil {
		return nil, Result{}, err
	}

	keptGlobals, droppedGlobals := Filter(globals, GlobalExclusions)
	keptPlugins, droppedPlugins := Filter(plugins, PluginExclusions)
	lines := BuildLines(keptGlobals, keptPlugins)

	blocks := 0
	for _, l := range lines {
		if l.Kind == BlockOpen {
			blocks++
		}
	}

	data := Render(lines)
	res := Result{
		Globals:        len(keptGlobals),
		PluginSettings: len(keptPlugins),
		Plugins:        blocks,
		Excluded:       droppedGlobals + droppedPlugins,
		Bytes:          len(data),
	}
	m.AddGlobalsWritten(int64(res.Globals))
	m.AddPluginSettingsWritten(int64(res.PluginSettings))
	m.AddPluginBlocks(int64(res.Plugins))
	m.AddExcluded(int64(res.Excluded))
	plog.Debug("Settings rendered", "globals", res.Globals, "plugin_settings", res.PluginSettings, "excluded", res.Excluded)
	return data, res, nil
}
