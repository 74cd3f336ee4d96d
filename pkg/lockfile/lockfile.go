// Package lockfile keeps two runs of the same job from working on the same
// directory at once. The lock is a JSON file created with O_EXCL and refreshed
// by a heartbeat; a lock whose heartbeat stopped is taken over.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paulschiretz/pgl-moodle/pkg/plog"
	"github.com/paulschiretz/pgl-moodle/pkg/util"
)

// FileName is the name of the lock file created in the guarded directory.
const FileName = ".~pgl-moodle.lock"

// takeoverSuffix names the guard file held while a stale lock is replaced.
const takeoverSuffix = ".takeover"

// Content is the JSON document stored in the lock file.
type Content struct {
	PID        int64     `json:"pid"`
	Hostname   string    `json:"hostname"`
	Job        string    `json:"job"`
	RunID      string    `json:"runID"`
	Started    time.Time `json:"started"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// ErrLockActive is returned when another run holds a fresh lock.
type ErrLockActive struct {
	Holder Content
	Age    time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("lock is active, held by %s run %s (PID %d on host '%s'), last updated %s ago",
		e.Holder.Job, e.Holder.RunID, e.Holder.PID, e.Holder.Hostname, e.Age.Truncate(time.Second))
}

// ErrLostRace is returned when another process is replacing the same stale lock.
var ErrLostRace = errors.New("lost race during stale lock takeover")

// ErrCorrupt indicates a lock file that stays empty or unparsable.
var ErrCorrupt = errors.New("lock file is corrupt or empty")

// These are vars to allow modification during testing.
var (
	heartbeatInterval = 1 * time.Minute
	staleAfter        = 3 * heartbeatInterval
	retryDelay        = 100 * time.Millisecond
)

// Lock is a held lock. Release it when the job is done.
type Lock struct {
	path string

	mu       sync.Mutex
	content  Content
	released bool

	stop chan struct{}
	done chan struct{}
}

// RunID returns the unique id written into the lock file.
func (l *Lock) RunID() string {
	return l.content.RunID
}

// Acquire takes the lock in dir for job. It returns *ErrLockActive if another
// run holds a fresh lock there.
func Acquire(ctx context.Context, dir, job string) (*Lock, error) {
	path := filepath.Join(dir, FileName)
	const maxAttempts = 3

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		l, err := create(path, job)
		if err == nil {
			l.start()
			return l, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to access lock file: %w", err)
		}

		holder, err := read(path)
		switch {
		case os.IsNotExist(err):
			// Released between our create and read.
			continue
		case errors.Is(err, ErrCorrupt):
			plog.Warn("Found corrupt lock file, treating as stale", "path", path, "error", err)
		case err != nil:
			plog.Debug("Could not read lock file, retrying", "path", path, "error", err)
			time.Sleep(retryDelay)
			continue
		default:
			age := time.Since(holder.LastUpdate)
			if age < staleAfter {
				return nil, &ErrLockActive{Holder: holder, Age: age}
			}
			plog.Warn("Found stale lock, attempting takeover", "job", holder.Job, "pid", holder.PID, "host", holder.Hostname, "age", age.Truncate(time.Second))
		}

		l, err = takeover(path, job)
		if err != nil {
			if errors.Is(err, ErrLostRace) {
				plog.Debug("Lock takeover race lost, retrying acquisition")
			} else {
				plog.Warn("Failed to take over lock, retrying", "error", err)
			}
			time.Sleep(retryDelay)
			continue
		}
		l.start()
		return l, nil
	}
	return nil, fmt.Errorf("failed to acquire lock after %d attempts (contention)", maxAttempts)
}

func newContent(job string) (Content, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return Content{}, err
	}
	now := time.Now().UTC()
	return Content{
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		Job:        job,
		RunID:      uuid.NewString(),
		Started:    now,
		LastUpdate: now,
	}, nil
}

// create makes the lock file with O_EXCL, so only one creator can succeed.
func create(path, job string) (*Lock, error) {
	content, err := newContent(job)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock content: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.PrivateFilePerms)
	if err != nil {
		return nil, err
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write lock file: %w", errors.Join(werr, cerr))
	}
	return &Lock{path: path, content: content}, nil
}

// takeover replaces a stale or corrupt lock. A guard file created with O_EXCL
// makes sure only one contender rewrites the lock.
func takeover(path, job string) (*Lock, error) {
	guard := path + takeoverSuffix
	g, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.PrivateFilePerms)
	if err != nil {
		if os.IsExist(err) {
			removeIfOlder(guard, staleAfter)
			return nil, ErrLostRace
		}
		return nil, err
	}
	g.Close()
	defer os.Remove(guard)

	// Someone may have released and re-acquired since we looked.
	if holder, err := read(path); err == nil && time.Since(holder.LastUpdate) < staleAfter {
		return nil, ErrLostRace
	}

	content, err := newContent(job)
	if err != nil {
		return nil, err
	}
	if err := write(path, content); err != nil {
		return nil, err
	}
	plog.Debug("Took over stale lock", "path", path)
	cleanupTempFiles(path)
	return &Lock{path: path, content: content}, nil
}

func (l *Lock) start() {
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.heartbeat()
}

func (l *Lock) heartbeat() {
	defer close(l.done)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			l.content.LastUpdate = time.Now().UTC()
			err := write(l.path, l.content)
			l.mu.Unlock()
			if err != nil {
				// Try again on the next tick.
				plog.Warn("Heartbeat failed to update lock file", "error", err)
			}
		}
	}
}

// Release stops the heartbeat and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()

	if l.stop != nil {
		close(l.stop)
		<-l.done
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
		return
	}
	plog.Debug("Lock released", "path", l.path)
}

func write(path string, content Content) error {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock content: %w", err)
	}
	return util.WriteFileAtomic(path, data, util.PrivateFilePerms)
}

// read parses the lock file. Empty or partial content is retried a few times
// before ErrCorrupt is returned.
func read(path string) (Content, error) {
	var lastErr error
	for range 3 {
		data, err := os.ReadFile(path)
		if err != nil {
			return Content{}, err
		}
		if len(data) == 0 {
			lastErr = errors.New("lock file is empty")
		} else {
			var c Content
			if lastErr = json.Unmarshal(data, &c); lastErr == nil {
				return c, nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return Content{}, fmt.Errorf("%w: %v", ErrCorrupt, lastErr)
}

// cleanupTempFiles removes temp files left next to the lock by crashed writers.
func cleanupTempFiles(path string) {
	matches, err := filepath.Glob(path + ".*.tmp")
	if err != nil {
		return
	}
	for _, m := range matches {
		removeIfOlder(m, staleAfter)
	}
}

func removeIfOlder(path string, age time.Duration) {
	info, err := os.Stat(path)
	if err != nil || time.Since(info.ModTime()) < age {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		plog.Warn("Failed to remove leftover lock file", "path", path, "error", err)
		return
	}
	plog.Debug("Removed leftover lock file", "path", path)
}
