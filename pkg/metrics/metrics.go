package metrics

import (
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-moodle/pkg/plog"
)

// DumpMetrics defines the interface for collecting and reporting database dump statistics.
type DumpMetrics interface {
	AddBytesRead(n int64)
	AddBytesWritten(n int64)
	AddStderrLines(n int64)
	LogSummary(msg string)
	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// DumpCounters holds the atomic counters for a running dump.
type DumpCounters struct {
	BytesRead    atomic.Int64
	BytesWritten atomic.Int64
	StderrLines  atomic.Int64

	stopChan chan struct{}
	doneChan chan struct{}
}

func (m *DumpCounters) AddBytesRead(n int64)    { m.BytesRead.Add(n) }
func (m *DumpCounters) AddBytesWritten(n int64) { m.BytesWritten.Add(n) }
func (m *DumpCounters) AddStderrLines(n int64)  { m.StderrLines.Add(n) }

func (m *DumpCounters) StartProgress(msg string, interval time.Duration) {
	stop, done := make(chan struct{}), make(chan struct{})
	m.stopChan, m.doneChan = stop, done
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg)
			case <-stop:
				return
			}
		}
	}()
}

func (m *DumpCounters) StopProgress() {
	if m.stopChan != nil {
		close(m.stopChan)
		<-m.doneChan
		m.stopChan, m.doneChan = nil, nil
	}
}

func (m *DumpCounters) LogSummary(msg string) {
	read := m.BytesRead.Load()
	written := m.BytesWritten.Load()
	args := []any{
		"bytes_dumped", read,
		"bytes_written", written,
		"stderr_lines", m.StderrLines.Load(),
	}
	if read > 0 {
		args = append(args, "ratio", float64(written)/float64(read))
	}
	plog.Info(msg, args...)
}

// NoopDumpMetrics is an implementation of DumpMetrics that performs no operations.
type NoopDumpMetrics struct{}

func (m *NoopDumpMetrics) AddBytesRead(n int64)                             {}
func (m *NoopDumpMetrics) AddBytesWritten(n int64)                          {}
func (m *NoopDumpMetrics) AddStderrLines(n int64)                           {}
func (m *NoopDumpMetrics) LogSummary(msg string)                            {}
func (m *NoopDumpMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopDumpMetrics) StopProgress()                                    {}

// ExportMetrics defines the interface for collecting settings export statistics.
type ExportMetrics interface {
	AddGlobalsWritten(n int64)
	AddPluginSettingsWritten(n int64)
	AddPluginBlocks(n int64)
	AddExcluded(n int64)
	LogSummary(msg string)
}

// ExportCounters holds the counters of a single export run.
type ExportCounters struct {
	GlobalsWritten        atomic.Int64
	PluginSettingsWritten atomic.Int64
	PluginBlocks          atomic.Int64
	Excluded              atomic.Int64
}

func (m *ExportCounters) AddGlobalsWritten(n int64)        { m.GlobalsWritten.Add(n) }
func (m *ExportCounters) AddPluginSettingsWritten(n int64) { m.PluginSettingsWritten.Add(n) }
func (m *ExportCounters) AddPluginBlocks(n int64)          { m.PluginBlocks.Add(n) }
func (m *ExportCounters) AddExcluded(n int64)              { m.Excluded.Add(n) }

func (m *ExportCounters) LogSummary(msg string) {
	plog.Info(msg,
		"globals", m.GlobalsWritten.Load(),
		"plugin_settings", m.PluginSettingsWritten.Load(),
		"plugins", m.PluginBlocks.Load(),
		"excluded", m.Excluded.Load(),
	)
}

// NoopExportMetrics is an implementation of ExportMetrics that performs no operations.
type NoopExportMetrics struct{}

func (m *NoopExportMetrics) AddGlobalsWritten(n int64)        {}
func (m *NoopExportMetrics) AddPluginSettingsWritten(n int64) {}
func (m *NoopExportMetrics) AddPluginBlocks(n int64)          {}
func (m *NoopExportMetrics) AddExcluded(n int64)              {}
func (m *NoopExportMetrics) LogSummary(msg string)            {}

// Statically assert that our types implement the interfaces.
var _ DumpMetrics = (*DumpCounters)(nil)
var _ DumpMetrics = (*NoopDumpMetrics)(nil)
var _ ExportMetrics = (*ExportCounters)(nil)
var _ ExportMetrics = (*NoopExportMetrics)(nil)
