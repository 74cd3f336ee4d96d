package upgrade

type Plan struct {
	// Confirmed and Silent are passed to the plugin installer.
	Confirmed bool
	Silent    bool
	// Verbose is passed to the non-core upgrade.
	Verbose bool

	// Global Flags
	DryRun bool
}
