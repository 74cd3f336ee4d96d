package preflight

type Plan struct {
	// TargetDir is the directory the job writes into (backup dir, export dir).
	// Empty skips every target check.
	TargetDir          string
	TargetAccessible   bool
	TargetWriteable    bool
	EnsureTargetExists bool

	// MoodleDir must hold a config.php when set.
	MoodleDir string

	// Binaries must resolve through PATH (or be usable as given when they
	// contain a path separator).
	Binaries []string

	// Global Flags
	DryRun bool
}
