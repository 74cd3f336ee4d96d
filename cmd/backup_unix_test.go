//go:build !windows

package cmd

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/pgzip"

	"github.com/paulschiretz/pgl-moodle/pkg/config"
	"github.com/paulschiretz/pgl-moodle/pkg/lockfile"
)

// writeFakeDump installs a shell script standing in for mysqldump.
func writeFakeDump(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-mysqldump")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunBackupJob(t *testing.T) {
	dataRoot := t.TempDir()
	cfg := config.NewDefault()
	cfg.Site.DataRoot = dataRoot
	cfg.Database.Host = "localhost"
	cfg.Database.Name = "moodle"
	cfg.Database.User = "moodle"
	cfg.Database.Password = "secret"
	cfg.Backup.DumpBinary = writeFakeDump(t, `echo "-- dump of $MYSQL_PWD"`+"\n")
	marker := filepath.Join(t.TempDir(), "post-hook-ran")
	cfg.Hooks.PostBackup = []string{`echo "$PGL_MOODLE_EXIT_CODE" > ` + marker}

	if err := runBackupJob(context.Background(), cfg); err != nil {
		t.Fatalf("runBackupJob failed: %v", err)
	}

	backupDir := filepath.Join(dataRoot, "backup")
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		t.Fatal(err)
	}
	var dumps []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "db_backup_") && strings.HasSuffix(e.Name(), ".sql.gz") {
			dumps = append(dumps, e.Name())
		}
		if e.Name() == lockfile.FileName {
			t.Error("lock file must be removed after the run")
		}
	}
	if len(dumps) != 1 {
		t.Fatalf("expected one dump file, got %v", entries)
	}

	f, err := os.Open(filepath.Join(backupDir, dumps[0]))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zr, err := pgzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte("-- dump of secret\n")) {
		t.Errorf("unexpected dump content %q", data)
	}

	code, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("post hook did not run: %v", err)
	}
	if strings.TrimSpace(string(code)) != "0" {
		t.Errorf("expected exit code 0 in post hook, got %q", code)
	}
}

func TestRunBackupJob_DumpFailureIsNotAnError(t *testing.T) {
	cfg := config.NewDefault()
	cfg.Site.DataRoot = t.TempDir()
	cfg.Database.Host = "localhost"
	cfg.Database.Name = "moodle"
	cfg.Database.User = "moodle"
	cfg.Backup.DumpBinary = writeFakeDump(t, "echo 'access denied' >&2\nexit 2\n")

	if err := runBackupJob(context.Background(), cfg); err != nil {
		t.Fatalf("a failed dump is reported, not returned: %v", err)
	}
}

func TestRunBackupJob_MissingTool(t *testing.T) {
	cfg := config.NewDefault()
	cfg.Site.DataRoot = t.TempDir()
	cfg.Database.Host = "localhost"
	cfg.Database.Name = "moodle"
	cfg.Database.User = "moodle"
	cfg.Backup.DumpBinary = filepath.Join(t.TempDir(), "no-such-dump")

	err := runBackupJob(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "preflight failed") {
		t.Fatalf("expected preflight error, got %v", err)
	}
}
