package cmd

import (
	"fmt"
	"os"

	"github.com/paulschiretz/pgl-moodle/pkg/config"
	"github.com/paulschiretz/pgl-moodle/pkg/flagparse"
	"github.com/paulschiretz/pgl-moodle/pkg/plog"
)

// configPath returns the -config flag or the default path.
func configPath(flagMap map[string]any) string {
	if p, ok := flagMap["config"].(string); ok && p != "" {
		return p
	}
	return flagparse.DefaultConfigPath
}

// loadRunConfig builds the final configuration for command: file, then
// environment, then flags, then the Moodle config.php for anything still unset.
func loadRunConfig(command flagparse.Command, flagMap map[string]any) (config.Config, error) {
	loadedConfig, err := config.Load(configPath(flagMap))
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load configuration: %w", err)
	}
	loadedConfig.ApplyEnvironment(os.Getenv)

	runConfig := config.MergeConfigWithFlags(loadedConfig, flagMap)

	// Set the global log level based on the final configuration.
	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))
	plog.SetQuiet(runConfig.Runtime.Quiet)

	if err := runConfig.ApplySite(); err != nil {
		return config.Config{}, err
	}

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(command); err != nil {
		return config.Config{}, err
	}

	runConfig.LogSummary(command)
	return runConfig, nil
}
