package dbdump

import "github.com/paulschiretz/pgl-moodle/pkg/database"

type Plan struct {
	Database   database.Settings
	DumpBinary string
	ExtraArgs  []string

	Dir        string
	FilePrefix string
	TimeFormat string

	Format       Format
	Level        Level
	BufferSizeKB int

	// Global Flags
	DryRun  bool
	Metrics bool
}
