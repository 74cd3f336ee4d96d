// Package dbdump streams the output of a database dump tool through an
// in-process compressor into a timestamped file.
package dbdump

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-moodle/pkg/metrics"
	"github.com/paulschiretz/pgl-moodle/pkg/plog"
	"github.com/paulschiretz/pgl-moodle/pkg/util"
)

const (
	// ExitNotStarted is reported when the dump tool could not be executed.
	ExitNotStarted = 127
	// ExitPipelineFailed is reported when compressing or writing the stream failed.
	ExitPipelineFailed = -1
)

const progressInterval = 15 * time.Second

// Result is the outcome of one dump. A failed dump is a Result with a non-zero
// ExitCode, not an error.
type Result struct {
	Path      string
	Timestamp time.Time
	ExitCode  int
	// Output holds the lines the dump tool wrote to stderr, plus a description
	// of any pipeline failure.
	Output []string
	DryRun bool
}

// Success reports whether the dump tool exited 0 and the file was written.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Report returns the human readable status message printed after a backup run.
func (r Result) Report() string {
	if r.Success() {
		return "Database dump was successful. The backup file is located at: " + r.Path
	}
	return fmt.Sprintf("Error: Database dump failed. Return code: %d\nOutput: %s", r.ExitCode, strings.Join(r.Output, "\n"))
}

// FileName returns the dump file name for a run started at ts.
func FileName(prefix, timeFormat string, format Format, ts time.Time) string {
	return prefix + ts.Format(timeFormat) + ".sql" + format.Extension()
}

type Dumper struct {
	// commandContext allows mocking os/exec for testing.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewDumper creates a new Dumper.
func NewDumper(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *Dumper {
	return &Dumper{commandContext: commandContext}
}

// Dump runs the dump tool for p and writes its compressed output to
// <p.Dir>/<FileName>. Only setup failures and cancellation are returned as errors.
func (d *Dumper) Dump(ctx context.Context, p *Plan, timestamp time.Time) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	path := filepath.Join(p.Dir, FileName(p.FilePrefix, p.TimeFormat, p.Format, timestamp))
	res := Result{Path: path, Timestamp: timestamp}

	name, args, env := BuildCommand(p)
	if p.DryRun {
		plog.Notice("[DRY RUN] Would dump database", "command", name, "args", strings.Join(args, " "), "target", path)
		res.DryRun = true
		return res, nil
	}

	if err := os.MkdirAll(p.Dir, util.WithUserWritePermission(util.PrivateDirPerms)); err != nil {
		return Result{}, fmt.Errorf("failed to create backup directory %s: %w", p.Dir, err)
	}

	var m metrics.DumpMetrics
	if p.Metrics {
		m = &metrics.DumpCounters{}
	} else {
		m = &metrics.NoopDumpMetrics{}
	}

	plog.Info("Dumping database", "command", name, "target", path, "compression", p.Format)

	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, util.PrivateFilePerms)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create backup file %s: %w", path, err)
	}
	defer out.Close()

	// Killing the child unblocks the stream readers if the writer side fails.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := d.commandContext(runCtx, name, args...)
	cmd.Env = append(cmd.Environ(), env...)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("failed to attach stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("failed to attach stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		out.Close()
		os.Remove(path)
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		res.ExitCode = ExitNotStarted
		res.Output = []string{err.Error()}
		return res, nil
	}

	m.StartProgress("Dump progress", progressInterval)

	var output []string
	var pipelineErr error
	g := new(errgroup.Group)
	g.Go(func() error {
		// No line length limit: the tool's output is reported verbatim, and
		// stderr must be read to EOF or the child blocks on a full pipe.
		r := bufio.NewReader(stderr)
		for {
			line, err := r.ReadString('\n')
			if line != "" {
				output = append(output, strings.TrimRight(line, "\r\n"))
				m.AddStderrLines(1)
			}
			if err != nil {
				io.Copy(io.Discard, stderr)
				return nil
			}
		}
	})
	g.Go(func() error {
		if err := compressStream(out, stdout, p, m); err != nil {
			pipelineErr = err
			cancel()
			// Drain so the child can exit even if it ignores the kill.
			io.Copy(io.Discard, stdout)
		}
		return nil
	})
	g.Wait()
	waitErr := cmd.Wait()
	m.StopProgress()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	res.Output = output
	switch {
	case pipelineErr != nil:
		res.ExitCode = ExitPipelineFailed
		res.Output = append(res.Output, pipelineErr.Error())
	case waitErr != nil:
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return Result{}, fmt.Errorf("failed waiting for %s: %w", name, waitErr)
		}
		res.ExitCode = exitErr.ExitCode()
	}

	if res.Success() {
		if err := out.Sync(); err != nil {
			res.ExitCode = ExitPipelineFailed
			res.Output = append(res.Output, fmt.Sprintf("failed to sync %s: %v", path, err))
		}
	}
	m.LogSummary("Dump summary")
	return res, nil
}

// compressStream copies r through the configured compressor into w.
func compressStream(w io.Writer, r io.Reader, p *Plan, m metrics.DumpMetrics) (retErr error) {
	bufSize := p.BufferSizeKB * 1024
	if bufSize <= 0 {
		bufSize = 256 * 1024
	}
	bufWriter := bufio.NewWriterSize(&metricWriter{w: w, metrics: m}, bufSize)

	var compressedWriter io.WriteCloser
	switch p.Format {
	case Zstd:
		zstdWriter, err := zstd.NewWriter(bufWriter, zstd.WithEncoderLevel(p.Level.zstdLevel()))
		if err != nil {
			return fmt.Errorf("failed to create zstd writer: %w", err)
		}
		compressedWriter = zstdWriter
	default:
		pgzipWriter, err := pgzip.NewWriterLevel(bufWriter, p.Level.gzipLevel())
		if err != nil {
			return fmt.Errorf("failed to create gzip writer: %w", err)
		}
		compressedWriter = pgzipWriter
	}

	defer func() {
		if err := compressedWriter.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("compressed writer close failed: %w", err)
		}
		if err := bufWriter.Flush(); err != nil && retErr == nil {
			retErr = fmt.Errorf("buffer flush failed: %w", err)
		}
	}()

	buf := make([]byte, bufSize)
	if _, err := io.CopyBuffer(compressedWriter, &metricReader{r: r, metrics: m}, buf); err != nil {
		return fmt.Errorf("failed to compress dump stream: %w", err)
	}
	return nil
}

type metricWriter struct {
	w       io.Writer
	metrics metrics.DumpMetrics
}

func (mw *metricWriter) Write(p []byte) (int, error) {
	n, err := mw.w.Write(p)
	mw.metrics.AddBytesWritten(int64(n))
	return n, err
}

type metricReader struct {
	r       io.Reader
	metrics metrics.DumpMetrics
}

func (mr *metricReader) Read(p []byte) (int, error) {
	n, err := mr.r.Read(p)
	mr.metrics.AddBytesRead(int64(n))
	return n, err
}
