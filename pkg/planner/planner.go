// Package planner turns a validated config.Config into the per-job plans the
// engine and the leaf packages consume. It parses every enum-like string so the
// engine never sees raw configuration.
package planner

import (
	"github.com/paulschiretz/pgl-moodle/pkg/cfgexport"
	"github.com/paulschiretz/pgl-moodle/pkg/config"
	"github.com/paulschiretz/pgl-moodle/pkg/database"
	"github.com/paulschiretz/pgl-moodle/pkg/dbdump"
	"github.com/paulschiretz/pgl-moodle/pkg/hook"
	"github.com/paulschiretz/pgl-moodle/pkg/preflight"
	"github.com/paulschiretz/pgl-moodle/pkg/upgrade"
)

type BackupPlan struct {
	DryRun bool

	// LockDir is guarded by the lock file for the duration of the run.
	LockDir string

	Preflight *preflight.Plan
	Hooks     *hook.Plan
	Dump      *dbdump.Plan
}

type ExportPlan struct {
	DryRun bool

	LockDir string

	Database database.Settings
	Prefix   string

	Preflight *preflight.Plan
	Export    *cfgexport.Plan
}

type UpgradePlan struct {
	DryRun bool

	LockDir string

	MoodleDir string
	PHPBinary string

	Preflight *preflight.Plan
	Hooks     *hook.Plan
	Upgrade   *upgrade.Plan
}

func databaseSettings(cfg config.Config) (database.Settings, error) {
	family, err := database.ParseType(cfg.Database.Type)
	if err != nil {
		return database.Settings{}, err
	}
	return database.Settings{
		Family:   family,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Socket:   cfg.Database.Socket,
		Name:     cfg.Database.Name,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
	}, nil
}

func GenerateBackupPlan(cfg config.Config) (*BackupPlan, error) {

	// Global Flags
	dryRun := cfg.Runtime.DryRun
	failFast := cfg.Engine.FailFast
	metrics := cfg.Engine.Metrics

	settings, err := databaseSettings(cfg)
	if err != nil {
		return nil, err
	}

	format, err := dbdump.ParseFormat(cfg.Backup.Compression.Format)
	if err != nil {
		return nil, err
	}

	level, err := dbdump.ParseLevel(cfg.Backup.Compression.Level)
	if err != nil {
		return nil, err
	}

	dumpBinary := cfg.Backup.DumpBinary
	if dumpBinary == "" {
		dumpBinary = dbdump.DefaultBinary(settings.Family)
	}

	backupDir := cfg.BackupDir()

	return &BackupPlan{
		DryRun:  dryRun,
		LockDir: backupDir,
		Preflight: &preflight.Plan{
			TargetDir:          backupDir,
			TargetAccessible:   true,
			EnsureTargetExists: true,
			TargetWriteable:    true,
			Binaries:           []string{dumpBinary},
			DryRun:             dryRun,
		},
		Hooks: &hook.Plan{
			Enabled:          true,
			PreHookCommands:  cfg.Hooks.PreBackup,
			PostHookCommands: cfg.Hooks.PostBackup,
			DryRun:           dryRun,
			FailFast:         failFast,
		},
		Dump: &dbdump.Plan{
			Database:     settings,
			DumpBinary:   dumpBinary,
			ExtraArgs:    cfg.Backup.DumpArgs,
			Dir:          backupDir,
			FilePrefix:   cfg.Backup.FilePrefix,
			TimeFormat:   cfg.Backup.TimeFormat,
			Format:       format,
			Level:        level,
			BufferSizeKB: cfg.Engine.BufferSizeKB,
			DryRun:       dryRun,
			Metrics:      metrics,
		},
	}, nil
}

func GenerateExportPlan(cfg config.Config) (*ExportPlan, error) {

	// Global Flags
	dryRun := cfg.Runtime.DryRun
	metrics := cfg.Engine.Metrics

	settings, err := databaseSettings(cfg)
	if err != nil {
		return nil, err
	}

	exportDir := cfg.ExportDir()

	return &ExportPlan{
		DryRun:   dryRun,
		LockDir:  exportDir,
		Database: settings,
		Prefix:   cfg.Database.Prefix,
		Preflight: &preflight.Plan{
			TargetDir:          exportDir,
			TargetAccessible:   true,
			EnsureTargetExists: true,
			TargetWriteable:    true,
			DryRun:             dryRun,
		},
		Export: &cfgexport.Plan{
			Dir:     exportDir,
			AppName: cfg.Site.AppName,
			DryRun:  dryRun,
			Metrics: metrics,
		},
	}, nil
}

func GenerateUpgradePlan(cfg config.Config) (*UpgradePlan, error) {

	// Global Flags
	dryRun := cfg.Runtime.DryRun
	failFast := cfg.Engine.FailFast

	return &UpgradePlan{
		DryRun:    dryRun,
		LockDir:   cfg.Site.DataRoot,
		MoodleDir: cfg.Site.MoodleDir,
		PHPBinary: cfg.Upgrade.PHPBinary,
		Preflight: &preflight.Plan{
			MoodleDir:        cfg.Site.MoodleDir,
			TargetDir:        cfg.Site.DataRoot,
			TargetAccessible: true,
			Binaries:         []string{cfg.Upgrade.PHPBinary},
			DryRun:           dryRun,
		},
		Hooks: &hook.Plan{
			Enabled:          true,
			PreHookCommands:  cfg.Hooks.PreUpgrade,
			PostHookCommands: cfg.Hooks.PostUpgrade,
			DryRun:           dryRun,
			FailFast:         failFast,
		},
		// Install confirmed and silent, upgrade verbose.
		Upgrade: &upgrade.Plan{
			Confirmed: true,
			Silent:    true,
			Verbose:   true,
			DryRun:    dryRun,
		},
	}, nil
}
