package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulschiretz/pgl-moodle/pkg/buildinfo"
	"github.com/paulschiretz/pgl-moodle/pkg/flagparse"
)

func validDatabase() DatabaseConfig {
	return DatabaseConfig{Type: "mysqli", Host: "localhost", Name: "moodle", User: "moodleuser", Prefix: "mdl_"}
}

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()
	if cfg.Version != buildinfo.Version {
		t.Errorf("expected version %q, got %q", buildinfo.Version, cfg.Version)
	}
	if cfg.Backup.FilePrefix != "db_backup_" {
		t.Errorf("expected file prefix db_backup_, got %q", cfg.Backup.FilePrefix)
	}
	if cfg.Backup.TimeFormat != "2006-01-02_15-04-05" {
		t.Errorf("unexpected time format %q", cfg.Backup.TimeFormat)
	}
	if cfg.Site.AppName != "moodle" {
		t.Errorf("expected app name moodle, got %q", cfg.Site.AppName)
	}
	if cfg.Database.Prefix != "mdl_" {
		t.Errorf("expected prefix mdl_, got %q", cfg.Database.Prefix)
	}
}

func TestDerivedDirs(t *testing.T) {
	cfg := NewDefault()
	cfg.Site.DataRoot = "/var/moodledata"
	if got := cfg.BackupDir(); got != filepath.Join("/var/moodledata", "backup") {
		t.Errorf("BackupDir() = %q", got)
	}
	if got := cfg.ExportDir(); got != filepath.Join("/var/moodledata", "stats") {
		t.Errorf("ExportDir() = %q", got)
	}
	cfg.Backup.Dir = "/srv/dumps"
	cfg.Export.Dir = "/srv/stats"
	if got := cfg.BackupDir(); got != "/srv/dumps" {
		t.Errorf("BackupDir() override = %q", got)
	}
	if got := cfg.ExportDir(); got != "/srv/stats" {
		t.Errorf("ExportDir() override = %q", got)
	}
}

func TestLoad(t *testing.T) {
	t.Run("missing file returns defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Site.AppName != "moodle" {
			t.Errorf("expected defaults, got app name %q", cfg.Site.AppName)
		}
	})

	t.Run("partial file keeps defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cfg.json")
		content := `{"site": {"dataRoot": "/data", "appName": "school"}, "database": {"name": "m", "user": "u"}}`
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Site.DataRoot != "/data" || cfg.Site.AppName != "school" {
			t.Errorf("site not loaded: %+v", cfg.Site)
		}
		if cfg.Database.Host != "" {
			t.Errorf("expected empty default host, got %q", cfg.Database.Host)
		}
		if cfg.Backup.Compression.Format != "gzip" {
			t.Errorf("expected default compression, got %q", cfg.Backup.Compression.Format)
		}
	})

	t.Run("unknown field is rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cfg.json")
		if err := os.WriteFile(path, []byte(`{"bogus": true}`), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Fatal("expected error for unknown field")
		}
	})
}

func TestGenerateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pgl-moodle.config.json")
	cfg := NewDefault()
	cfg.Database = validDatabase()
	cfg.Database.Password = "s3cret"
	cfg.Hooks.PreBackup = []string{"php admin/cli/maintenance.php --enable"}

	if err := Generate(cfg, path); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected 0600, got %v", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Database != cfg.Database {
		t.Errorf("database mismatch: got %+v, want %+v", loaded.Database, cfg.Database)
	}
	if len(loaded.Hooks.PreBackup) != 1 || loaded.Hooks.PreBackup[0] != cfg.Hooks.PreBackup[0] {
		t.Errorf("hooks mismatch: %v", loaded.Hooks.PreBackup)
	}
}

func TestApplyEnvironment(t *testing.T) {
	cfg := NewDefault()
	cfg.Database.Password = "fromfile"
	cfg.ApplyEnvironment(func(k string) string {
		if k == PasswordEnvVar {
			return "fromenv"
		}
		return ""
	})
	if cfg.Database.Password != "fromenv" {
		t.Errorf("expected env password, got %q", cfg.Database.Password)
	}

	cfg.ApplyEnvironment(func(string) string { return "" })
	if cfg.Database.Password != "fromenv" {
		t.Errorf("empty env must not clear the password")
	}
}

func TestApplySite(t *testing.T) {
	moodleDir := t.TempDir()
	php := `<?php
$CFG = new stdClass();
$CFG->dbtype    = 'pgsql';
$CFG->dbhost    = 'db.internal';
$CFG->dbname    = 'moodle';
$CFG->dbuser    = 'moodle';
$CFG->dbpass    = 'pw';
$CFG->prefix    = 'm_';
$CFG->dataroot  = '/var/moodledata';
$CFG->dboptions = array('dbport' => 5433);
`
	if err := os.WriteFile(filepath.Join(moodleDir, "config.php"), []byte(php), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := NewDefault()
	cfg.Site.MoodleDir = moodleDir
	cfg.Database.Host = "" // must be filled
	cfg.Database.User = "override"

	if err := cfg.ApplySite(); err != nil {
		t.Fatalf("ApplySite failed: %v", err)
	}
	if cfg.Database.Type != "pgsql" || cfg.Database.Prefix != "m_" {
		t.Errorf("type/prefix not taken from config.php: %+v", cfg.Database)
	}
	if cfg.Database.Host != "db.internal" || cfg.Database.Port != 5433 {
		t.Errorf("host/port not filled: %+v", cfg.Database)
	}
	if cfg.Database.User != "override" {
		t.Errorf("explicit user was overwritten: %q", cfg.Database.User)
	}
	if cfg.Site.DataRoot != "/var/moodledata" {
		t.Errorf("dataroot not filled: %q", cfg.Site.DataRoot)
	}

	t.Run("no moodle dir falls back to localhost", func(t *testing.T) {
		cfg := NewDefault()
		if err := cfg.ApplySite(); err != nil {
			t.Fatal(err)
		}
		if cfg.Database.Host != "localhost" {
			t.Errorf("expected localhost, got %q", cfg.Database.Host)
		}
	})

	t.Run("missing config.php", func(t *testing.T) {
		cfg := NewDefault()
		cfg.Site.MoodleDir = t.TempDir()
		if err := cfg.ApplySite(); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name        string
		command     flagparse.Command
		modify      func(*Config)
		errContains string
	}{
		{
			name:    "valid backup",
			command: flagparse.Backup,
			modify:  func(c *Config) { c.Site.DataRoot = "/data" },
		},
		{
			name:        "backup needs a directory",
			command:     flagparse.Backup,
			modify:      func(c *Config) {},
			errContains: "backup.dir or site.dataRoot",
		},
		{
			name:        "backup needs a database name",
			command:     flagparse.Backup,
			modify:      func(c *Config) { c.Site.DataRoot = "/data"; c.Database.Name = "" },
			errContains: "database.name",
		},
		{
			name:        "backup prefix without separators",
			command:     flagparse.Backup,
			modify:      func(c *Config) { c.Site.DataRoot = "/data"; c.Backup.FilePrefix = "a/b" },
			errContains: "filePrefix",
		},
		{
			name:        "backup time format without separators",
			command:     flagparse.Backup,
			modify:      func(c *Config) { c.Site.DataRoot = "/data"; c.Backup.TimeFormat = "2006/01/02" },
			errContains: "timeFormat",
		},
		{
			name:    "valid export with explicit dir",
			command: flagparse.Export,
			modify:  func(c *Config) { c.Export.Dir = "/stats" },
		},
		{
			name:        "export rejects odd prefix",
			command:     flagparse.Export,
			modify:      func(c *Config) { c.Site.DataRoot = "/data"; c.Database.Prefix = "mdl; DROP" },
			errContains: "database.prefix",
		},
		{
			name:        "upgrade needs moodle dir",
			command:     flagparse.Upgrade,
			modify:      func(c *Config) {},
			errContains: "site.moodleDir",
		},
		{
			name:        "upgrade needs dataroot for its lock",
			command:     flagparse.Upgrade,
			modify:      func(c *Config) { c.Site.MoodleDir = "/var/www/moodle" },
			errContains: "site.dataRoot",
		},
		{
			name:    "valid upgrade",
			command: flagparse.Upgrade,
			modify:  func(c *Config) { c.Site.MoodleDir = "/var/www/moodle"; c.Site.DataRoot = "/data" },
		},
		{
			name:        "schedule needs a job",
			command:     flagparse.Schedule,
			modify:      func(c *Config) {},
			errContains: "no job is scheduled",
		},
		{
			name:        "schedule rejects bad cron",
			command:     flagparse.Schedule,
			modify:      func(c *Config) { c.Schedule.Backup = "every day" },
			errContains: "schedule.backup",
		},
		{
			name:    "valid schedule",
			command: flagparse.Schedule,
			modify:  func(c *Config) { c.Schedule.Backup = "30 2 * * *"; c.Schedule.Upgrade = "@weekly" },
		},
		{
			name:        "buffer size must be positive",
			command:     flagparse.Version,
			modify:      func(c *Config) { c.Engine.BufferSizeKB = 0 },
			errContains: "bufferSizeKB",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefault()
			cfg.Database = validDatabase()
			tc.modify(&cfg)
			err := cfg.Validate(tc.command)
			if tc.errContains == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.errContains)
			}
			if !strings.Contains(err.Error(), tc.errContains) {
				t.Errorf("expected error containing %q, got %v", tc.errContains, err)
			}
		})
	}
}

func TestMergeConfigWithFlags(t *testing.T) {
	base := NewDefault()
	base.Backup.DumpArgs = []string{"--single-transaction"}
	flags := map[string]any{
		"dry-run":          true,
		"dataroot":         "/data",
		"db-port":          3307,
		"db-name":          "moodle",
		"pre-backup-hooks": []string{"echo pre"},
		"schedule-export":  "0 * * * *",
		"config":           "ignored.json",
	}

	merged := MergeConfigWithFlags(base, flags)

	if !merged.Runtime.DryRun {
		t.Error("expected dry run")
	}
	if merged.Site.DataRoot != "/data" || merged.Database.Port != 3307 || merged.Database.Name != "moodle" {
		t.Errorf("flags not merged: %+v %+v", merged.Site, merged.Database)
	}
	if len(merged.Hooks.PreBackup) != 1 || merged.Hooks.PreBackup[0] != "echo pre" {
		t.Errorf("hooks not merged: %v", merged.Hooks.PreBackup)
	}
	if merged.Schedule.Export != "0 * * * *" {
		t.Errorf("schedule not merged: %q", merged.Schedule.Export)
	}
	if base.Site.DataRoot != "" {
		t.Error("base config was modified")
	}

	merged.Backup.DumpArgs[0] = "changed"
	if base.Backup.DumpArgs[0] != "--single-transaction" {
		t.Error("dump args slice is shared with base")
	}
}
