package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-moodle/pkg/buildinfo"
	"github.com/paulschiretz/pgl-moodle/pkg/config"
	"github.com/paulschiretz/pgl-moodle/pkg/flagparse"
	"github.com/paulschiretz/pgl-moodle/pkg/plog"
	"github.com/paulschiretz/pgl-moodle/pkg/util"
)

// RunInit handles the logic for the 'init' command. It writes the defaults (or
// the existing file) merged with the given flags to the -config path.
func RunInit(ctx context.Context, flagMap map[string]any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	absConfigPath, err := util.ExpandedAbsPath(configPath(flagMap))
	if err != nil {
		return err
	}

	var baseConfig config.Config

	// Check if init-default is set
	initDefault, _ := flagMap["default"].(bool)
	force, _ := flagMap["force"].(bool)

	_, statErr := os.Stat(absConfigPath)
	exists := statErr == nil

	if initDefault {
		if exists && !force {
			fmt.Printf("WARNING: Configuration file already exists at %s.\n", absConfigPath)
			fmt.Printf("Using -default will overwrite it with default values. All custom settings will be lost.\n")
			if !PromptForConfirmation("Are you sure you want to continue?", false) {
				plog.Info(buildinfo.Name + " init operation canceled.")
				return nil
			}
		}
		baseConfig = config.NewDefault()
	} else {
		// Try to load existing config to preserve settings.
		// If it fails (e.g. corrupt JSON), we fall back to defaults.
		// Note: config.Load returns NewDefault() if the file simply doesn't exist.
		baseConfig, err = config.Load(absConfigPath)
		if err != nil {
			if !force {
				return fmt.Errorf("existing configuration at %s is invalid (use -default -force to replace it): %w", absConfigPath, err)
			}
			plog.Warn("Could not load existing configuration, starting with defaults.", "reason", err)
			baseConfig = config.NewDefault()
		}
	}

	// Create a config from base merged with user flags.
	runConfig := config.MergeConfigWithFlags(baseConfig, flagMap)
	runConfig.Version = buildinfo.Version

	if err := runConfig.Validate(flagparse.Init); err != nil {
		return err
	}

	if runConfig.Runtime.DryRun {
		plog.Notice("[DRY RUN] Would write configuration", "path", absConfigPath)
		return nil
	}

	startTime := time.Now()
	if err := config.Generate(runConfig, absConfigPath); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}

	duration := time.Since(startTime).Round(time.Millisecond)
	plog.Info(buildinfo.Name+" configuration written.", "path", absConfigPath, "duration", duration)
	return nil
}

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Printf("%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}
