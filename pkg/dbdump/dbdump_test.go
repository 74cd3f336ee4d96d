package dbdump_test

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/paulschiretz/pgl-moodle/pkg/database"
	"github.com/paulschiretz/pgl-moodle/pkg/dbdump"
)

const sampleDump = "-- MySQL dump\nCREATE TABLE `mdl_config` (id bigint);\nINSERT INTO `mdl_config` VALUES (1);\n"

// TestHelperProcess is a helper for testing exec.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	switch os.Getenv("DUMP_HELPER_MODE") {
	case "fail":
		fmt.Fprintln(os.Stderr, "mysqldump: Got error: 1045: Access denied for user 'moodle'@'localhost' (using password: YES)")
		fmt.Fprintln(os.Stderr, "second line")
		os.Exit(2)
	case "env":
		fmt.Fprintf(os.Stdout, "MYSQL_PWD=%s\nARGS=%s\n", os.Getenv("MYSQL_PWD"), strings.Join(args, " "))
	case "longline":
		fmt.Fprintln(os.Stderr, strings.Repeat("x", 200000))
		fmt.Fprint(os.Stdout, sampleDump)
		os.Exit(3)
	case "noisy":
		for i := 0; i < 20000; i++ {
			fmt.Fprintf(os.Stderr, "Warning: row %d truncated\n", i)
		}
		fmt.Fprint(os.Stdout, sampleDump)
	case "big":
		line := strings.Repeat("INSERT INTO t VALUES ('abcdefghijklmnopqrstuvwxyz');\n", 1024)
		for i := 0; i < 64; i++ {
			fmt.Fprint(os.Stdout, line)
		}
	default:
		fmt.Fprint(os.Stdout, sampleDump)
	}
	os.Exit(0)
}

func helperCommand(mode string) func(ctx context.Context, name string, arg ...string) *exec.Cmd {
	return func(ctx context.Context, name string, arg ...string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--", name}, arg...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = []string{"GO_WANT_HELPER_PROCESS=1", "DUMP_HELPER_MODE=" + mode}
		return cmd
	}
}

func testPlan(dir string) *dbdump.Plan {
	return &dbdump.Plan{
		Database: database.Settings{
			Family:   database.MySQL,
			Host:     "localhost",
			Name:     "moodle",
			User:     "moodle",
			Password: "s3cret",
		},
		Dir:          dir,
		FilePrefix:   "db_backup_",
		TimeFormat:   "2006-01-02_15-04-05",
		Format:       dbdump.Gzip,
		Level:        dbdump.Default,
		BufferSizeKB: 64,
	}
}

func readGzip(t *testing.T, path string) string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open %s: %v", path, err)
	}
	defer f.Close()
	r, err := pgzip.NewReader(f)
	if err != nil {
		t.Fatalf("not a gzip file: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("failed to decompress: %v", err)
	}
	return string(data)
}

var ts = time.Date(2024, 3, 9, 4, 5, 6, 0, time.Local)

func TestDumpSuccess(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "backup")
	res, err := dbdump.NewDumper(helperCommand("ok")).Dump(context.Background(), testPlan(dir), ts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantPath := filepath.Join(dir, "db_backup_2024-03-09_04-05-06.sql.gz")
	if res.Path != wantPath {
		t.Errorf("expected path %s, got %s", wantPath, res.Path)
	}
	if !res.Success() {
		t.Fatalf("expected success, got exit code %d, output %v", res.ExitCode, res.Output)
	}
	if got := readGzip(t, wantPath); got != sampleDump {
		t.Errorf("unexpected dump content %q", got)
	}

	report := res.Report()
	if !strings.Contains(report, wantPath) {
		t.Errorf("report must contain the backup path, got %q", report)
	}
	if report != "Database dump was successful. The backup file is located at: "+wantPath {
		t.Errorf("unexpected report %q", report)
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0007 != 0 {
		t.Errorf("backup dir must not be accessible by others, got %v", info.Mode().Perm())
	}
}

func TestDumpFailure(t *testing.T) {
	dir := t.TempDir()
	res, err := dbdump.NewDumper(helperCommand("fail")).Dump(context.Background(), testPlan(dir), ts)
	if err != nil {
		t.Fatalf("a failing dump tool must not be an error, got %v", err)
	}
	if res.Success() || res.ExitCode != 2 {
		t.Fatalf("expected exit code 2, got %d", res.ExitCode)
	}

	report := res.Report()
	if !strings.HasPrefix(report, "Error: Database dump failed. Return code: 2\nOutput: ") {
		t.Errorf("unexpected report %q", report)
	}
	for _, want := range []string{"Access denied", "second line"} {
		if !strings.Contains(report, want) {
			t.Errorf("report must include captured output %q, got %q", want, report)
		}
	}
}

func TestDumpPasswordViaEnvironment(t *testing.T) {
	dir := t.TempDir()
	res, err := dbdump.NewDumper(helperCommand("env")).Dump(context.Background(), testPlan(dir), ts)
	if err != nil || !res.Success() {
		t.Fatalf("dump failed: %v %+v", err, res)
	}
	content := readGzip(t, res.Path)
	if !strings.Contains(content, "MYSQL_PWD=s3cret") {
		t.Errorf("password not passed via environment: %q", content)
	}
	if strings.Contains(strings.SplitN(content, "ARGS=", 2)[1], "s3cret") {
		t.Errorf("password leaked into arguments: %q", content)
	}
	if !strings.Contains(content, "mysqldump --host=localhost --port=3306 --user=moodle moodle") {
		t.Errorf("unexpected arguments: %q", content)
	}
}

func TestDumpZstd(t *testing.T) {
	dir := t.TempDir()
	plan := testPlan(dir)
	plan.Format = dbdump.Zstd
	plan.Level = dbdump.Fastest
	plan.Metrics = true

	res, err := dbdump.NewDumper(helperCommand("big")).Dump(context.Background(), plan, ts)
	if err != nil || !res.Success() {
		t.Fatalf("dump failed: %v %+v", err, res)
	}
	if !strings.HasSuffix(res.Path, ".sql.zst") {
		t.Errorf("expected .sql.zst suffix, got %s", res.Path)
	}

	f, err := os.Open(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	data, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("failed to decompress: %v", err)
	}
	if len(data) != 64*1024*len("INSERT INTO t VALUES ('abcdefghijklmnopqrstuvwxyz');\n") {
		t.Errorf("unexpected decompressed size %d", len(data))
	}
}

func TestDumpToolNotFound(t *testing.T) {
	dir := t.TempDir()
	missing := func(ctx context.Context, name string, arg ...string) *exec.Cmd {
		return exec.CommandContext(ctx, filepath.Join(dir, "no-such-binary"), arg...)
	}
	res, err := dbdump.NewDumper(missing).Dump(context.Background(), testPlan(dir), ts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != dbdump.ExitNotStarted {
		t.Errorf("expected exit code %d, got %d", dbdump.ExitNotStarted, res.ExitCode)
	}
	if len(res.Output) == 0 {
		t.Error("expected the start error in the output")
	}
	if _, err := os.Stat(res.Path); !os.IsNotExist(err) {
		t.Error("expected no backup file when the tool cannot start")
	}
}

func TestDumpDryRun(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "backup")
	plan := testPlan(dir)
	plan.DryRun = true
	called := false
	cc := func(ctx context.Context, name string, arg ...string) *exec.Cmd {
		called = true
		return exec.CommandContext(ctx, name, arg...)
	}
	res, err := dbdump.NewDumper(cc).Dump(context.Background(), plan, ts)
	if err != nil {
		t.Fatal(err)
	}
	if !res.DryRun || called {
		t.Errorf("dry run must not execute the dump tool")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("dry run must not create the backup directory")
	}
}

func TestDumpCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := dbdump.NewDumper(helperCommand("ok")).Dump(ctx, testPlan(t.TempDir()), ts)
	if err == nil {
		t.Fatal("expected an error for a canceled context")
	}
}

func TestDumpLongStderrLine(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := dbdump.NewDumper(helperCommand("longline")).Dump(ctx, testPlan(t.TempDir()), ts)
	if err != nil {
		t.Fatalf("expected a result, got error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", res.ExitCode)
	}
	if len(res.Output) != 1 || res.Output[0] != strings.Repeat("x", 200000) {
		t.Errorf("expected the long stderr line verbatim, got %d lines", len(res.Output))
	}
}

func TestDumpNoisyStderr(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dir := t.TempDir()
	res, err := dbdump.NewDumper(helperCommand("noisy")).Dump(ctx, testPlan(dir), ts)
	if err != nil {
		t.Fatalf("expected a result, got error: %v", err)
	}
	if !res.Success() {
		t.Fatalf("expected success, got exit code %d", res.ExitCode)
	}
	if len(res.Output) != 20000 {
		t.Fatalf("expected 20000 captured lines, got %d", len(res.Output))
	}
	if res.Output[19999] != "Warning: row 19999 truncated" {
		t.Errorf("unexpected last line %q", res.Output[19999])
	}
	if got := readGzip(t, res.Path); got != sampleDump {
		t.Errorf("unexpected dump content %q", got)
	}
}
