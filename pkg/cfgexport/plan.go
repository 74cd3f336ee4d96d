package cfgexport

type Plan struct {
	// Dir receives the generated file, FileName(AppName) inside it.
	Dir     string
	AppName string

	// Global Flags
	DryRun  bool
	Metrics bool
}
