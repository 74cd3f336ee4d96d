package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/paulschiretz/pgl-moodle/pkg/buildinfo"
	"github.com/paulschiretz/pgl-moodle/pkg/flagparse"
	"github.com/paulschiretz/pgl-moodle/pkg/plog"
	"github.com/paulschiretz/pgl-moodle/pkg/siteconfig"
	"github.com/paulschiretz/pgl-moodle/pkg/util"
)

// PasswordEnvVar overrides database.password when set.
const PasswordEnvVar = "PGL_MOODLE_DB_PASSWORD"

var prefixRe = regexp.MustCompile(`^[A-Za-z0-9_]*$`)

type SiteConfig struct {
	// MoodleDir is the Moodle code directory. If set, config.php in it is used to
	// fill database and dataroot values that are not set here.
	MoodleDir string `json:"moodleDir"`
	DataRoot  string `json:"dataRoot"`
	// AppName names the exported settings file: config-<appName>.php.
	AppName string `json:"appName"`
}

type DatabaseConfig struct {
	Type   string `json:"type"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Socket string `json:"socket,omitempty"`
	Name   string `json:"name"`
	User   string `json:"user"`
	// Password is stored in clear text. The config file is written 0600.
	Password string `json:"password"`
	Prefix   string `json:"prefix"`
}

type BackupCompressionConfig struct {
	Format string `json:"format"`
	Level  string `json:"level"`
}

type BackupConfig struct {
	// Dir defaults to <dataRoot>/backup.
	Dir         string                  `json:"dir"`
	FilePrefix  string                  `json:"filePrefix"`
	TimeFormat  string                  `json:"timeFormat"`
	DumpBinary  string                  `json:"dumpBinary"`
	DumpArgs    []string                `json:"dumpArgs"`
	Compression BackupCompressionConfig `json:"compression"`
}

type ExportConfig struct {
	// Dir defaults to <dataRoot>/stats.
	Dir string `json:"dir"`
}

type UpgradeConfig struct {
	PHPBinary string `json:"phpBinary"`
}

type HooksConfig struct {
	// Note: omitempty is intentionally not used so that the hook fields
	// appear in the generated config file for better discoverability.
	// SECURITY: These commands are executed as provided. Ensure they are from a trusted source.
	PreBackup   []string `json:"preBackup"`
	PostBackup  []string `json:"postBackup"`
	PreUpgrade  []string `json:"preUpgrade"`
	PostUpgrade []string `json:"postUpgrade"`
}

type ScheduleConfig struct {
	// Standard 5-field cron expressions. Empty disables the job.
	Backup  string `json:"backup"`
	Export  string `json:"export"`
	Upgrade string `json:"upgrade"`
}

type EngineConfig struct {
	FailFast     bool `json:"failFast"`
	Metrics      bool `json:"metrics"`
	BufferSizeKB int  `json:"bufferSizeKB"`
}

type RuntimeConfig struct {
	DryRun bool `json:"-"`
	Quiet  bool `json:"-"`
}

// Config holds everything the three jobs need. It replaces the ambient $CFG of the
// Moodle scripts with an explicit value passed into each command.
type Config struct {
	Version  string         `json:"version"`
	LogLevel string         `json:"logLevel"`
	Runtime  RuntimeConfig  `json:"-"`
	Site     SiteConfig     `json:"site"`
	Database DatabaseConfig `json:"database"`
	Backup   BackupConfig   `json:"backup"`
	Export   ExportConfig   `json:"export"`
	Upgrade  UpgradeConfig  `json:"upgrade"`
	Hooks    HooksConfig    `json:"hooks"`
	Schedule ScheduleConfig `json:"schedule"`
	Engine   EngineConfig   `json:"engine"`
}

// NewDefault creates and returns a Config struct with sensible default values.
func NewDefault() Config {
	return Config{
		Version:  buildinfo.Version,
		LogLevel: "info",
		Site: SiteConfig{
			MoodleDir: "", // Intentionally empty, either this or the database block must be configured.
			DataRoot:  "",
			AppName:   "moodle",
		},
		Database: DatabaseConfig{
			Type:   "mysqli",
			Host:   "", // Filled from config.php, falls back to localhost.
			Prefix: "mdl_",
		},
		Backup: BackupConfig{
			FilePrefix: "db_backup_",
			TimeFormat: "2006-01-02_15-04-05",
			DumpArgs:   []string{}, // Extra arguments appended before the database name.
			Compression: BackupCompressionConfig{
				Format: "gzip",
				Level:  "default",
			},
		},
		Upgrade: UpgradeConfig{
			PHPBinary: "php",
		},
		Hooks: HooksConfig{
			PreBackup:   []string{},
			PostBackup:  []string{},
			PreUpgrade:  []string{},
			PostUpgrade: []string{},
		},
		Engine: EngineConfig{
			FailFast:     true,
			Metrics:      false,
			BufferSizeKB: 256, // Keep it between 64KB-4MB.
		},
	}
}

// Load reads the configuration file at path on top of the defaults.
// A missing file is not an error: the defaults are returned.
func Load(path string) (Config, error) {
	absPath, err := util.ExpandedAbsPath(path)
	if err != nil {
		return Config{}, err
	}

	file, err := os.Open(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			plog.Debug("No configuration file found, using defaults", "path", absPath)
			return NewDefault(), nil
		}
		return Config{}, fmt.Errorf("error opening config file %s: %w", absPath, err)
	}
	defer file.Close()

	plog.Info("Loading configuration", "path", absPath)
	// Start with default values, then overwrite with the file's content.
	config := NewDefault()
	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&config); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", absPath, err)
	}

	if config.Version != buildinfo.Version {
		config.Version = buildinfo.Version
	}
	return config, nil
}

// Generate writes the configuration to path, replacing any existing file.
func Generate(configToGenerate Config, path string) error {
	jsonData, err := json.MarshalIndent(configToGenerate, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}
	if err := util.WriteFileAtomic(path, jsonData, util.PrivateFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	plog.Info("Successfully saved config file", "path", path)
	return nil
}

// ApplyEnvironment overlays values taken from the process environment.
func (c *Config) ApplyEnvironment(getenv func(string) string) {
	if pw := getenv(PasswordEnvVar); pw != "" {
		c.Database.Password = pw
	}
}

// ApplySite fills every empty database and site field from the Moodle config.php
// found in Site.MoodleDir. Values set in the pgl-moodle config win.
func (c *Config) ApplySite() error {
	defer func() {
		if c.Database.Host == "" && c.Database.Socket == "" {
			c.Database.Host = "localhost"
		}
	}()
	if c.Site.MoodleDir == "" {
		return nil
	}
	moodleDir, err := util.ExpandPath(c.Site.MoodleDir)
	if err != nil {
		return err
	}
	site, err := siteconfig.Load(filepath.Join(moodleDir, siteconfig.FileName))
	if err != nil {
		return fmt.Errorf("could not read Moodle site config: %w", err)
	}

	fill := func(dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
		}
	}
	fill(&c.Site.DataRoot, site.DataRoot)
	fill(&c.Database.Host, site.DBHost)
	fill(&c.Database.Name, site.DBName)
	fill(&c.Database.User, site.DBUser)
	fill(&c.Database.Password, site.DBPass)
	fill(&c.Database.Socket, site.DBSocket)
	if c.Database.Port == 0 {
		c.Database.Port = site.DBPort
	}
	// Type and prefix have non-empty defaults, config.php is authoritative for them.
	if site.DBType != "" {
		c.Database.Type = site.DBType
	}
	if site.Prefix != "" {
		c.Database.Prefix = site.Prefix
	}
	return nil
}

// BackupDir returns the resolved directory for dump files.
func (c *Config) BackupDir() string {
	if c.Backup.Dir != "" {
		return c.Backup.Dir
	}
	return filepath.Join(c.Site.DataRoot, "backup")
}

// ExportDir returns the resolved directory for the exported settings file.
func (c *Config) ExportDir() string {
	if c.Export.Dir != "" {
		return c.Export.Dir
	}
	return filepath.Join(c.Site.DataRoot, "stats")
}

// Validate checks the configuration for the given command.
func (c *Config) Validate(command flagparse.Command) error {
	var err error
	if c.Site.DataRoot != "" {
		c.Site.DataRoot, err = util.ExpandPath(c.Site.DataRoot)
		if err != nil {
			return fmt.Errorf("could not expand dataRoot: %w", err)
		}
		c.Site.DataRoot = filepath.Clean(c.Site.DataRoot)
	}

	if c.Engine.BufferSizeKB <= 0 {
		return fmt.Errorf("engine.bufferSizeKB must be greater than 0")
	}

	switch command {
	case flagparse.Backup:
		if err := c.validateDatabase(); err != nil {
			return err
		}
		if c.Backup.Dir == "" && c.Site.DataRoot == "" {
			return fmt.Errorf("backup.dir or site.dataRoot must be set")
		}
		if c.Backup.TimeFormat == "" {
			return fmt.Errorf("backup.timeFormat cannot be empty")
		}
		if strings.ContainsAny(c.Backup.TimeFormat, `\/`) {
			return fmt.Errorf("backup.timeFormat cannot contain path separators ('/' or '\\')")
		}
		if strings.ContainsAny(c.Backup.FilePrefix, `\/`) {
			return fmt.Errorf("backup.filePrefix cannot contain path separators ('/' or '\\')")
		}
	case flagparse.Export:
		if err := c.validateDatabase(); err != nil {
			return err
		}
		if c.Export.Dir == "" && c.Site.DataRoot == "" {
			return fmt.Errorf("export.dir or site.dataRoot must be set")
		}
		if !prefixRe.MatchString(c.Database.Prefix) {
			return fmt.Errorf("database.prefix %q may only contain letters, digits and underscores", c.Database.Prefix)
		}
		if c.Site.AppName == "" || strings.ContainsAny(c.Site.AppName, `\/`) {
			return fmt.Errorf("site.appName must be a non-empty file name component")
		}
	case flagparse.Upgrade:
		if c.Site.MoodleDir == "" {
			return fmt.Errorf("site.moodleDir is required to run the plugin upgrade")
		}
		if c.Site.DataRoot == "" {
			return fmt.Errorf("site.dataRoot must be set (or readable from config.php) to run the plugin upgrade")
		}
		if c.Upgrade.PHPBinary == "" {
			return fmt.Errorf("upgrade.phpBinary cannot be empty")
		}
	case flagparse.Schedule:
		if c.Schedule.Backup == "" && c.Schedule.Export == "" && c.Schedule.Upgrade == "" {
			return fmt.Errorf("no job is scheduled, set at least one of schedule.backup, schedule.export or schedule.upgrade")
		}
		for name, spec := range map[string]string{"backup": c.Schedule.Backup, "export": c.Schedule.Export, "upgrade": c.Schedule.Upgrade} {
			if spec == "" {
				continue
			}
			if _, err := cron.ParseStandard(spec); err != nil {
				return fmt.Errorf("invalid cron expression for schedule.%s: %q - %w", name, spec, err)
			}
		}
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Type == "" {
		return fmt.Errorf("database.type cannot be empty")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name cannot be empty")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user cannot be empty")
	}
	if c.Database.Host == "" && c.Database.Socket == "" {
		return fmt.Errorf("database.host or database.socket must be set")
	}
	if c.Database.Port < 0 || c.Database.Port > 65535 {
		return fmt.Errorf("database.port %d is out of range", c.Database.Port)
	}
	return nil
}

// LogSummary logs the parts of the configuration relevant to command.
// The database password is never logged.
func (c *Config) LogSummary(command flagparse.Command) {
	logArgs := []any{
		"command", command.String(),
		"log_level", c.LogLevel,
		"dry_run", c.Runtime.DryRun,
		"moodle_dir", c.Site.MoodleDir,
		"dataroot", c.Site.DataRoot,
	}
	switch command {
	case flagparse.Backup, flagparse.Export:
		logArgs = append(logArgs,
			"db_type", c.Database.Type,
			"db_host", c.Database.Host,
			"db_port", c.Database.Port,
			"db_name", c.Database.Name,
			"db_user", c.Database.User,
		)
	}
	switch command {
	case flagparse.Backup:
		logArgs = append(logArgs,
			"backup_dir", c.BackupDir(),
			"compression", fmt.Sprintf("%s (l:%s)", c.Backup.Compression.Format, c.Backup.Compression.Level),
		)
		if len(c.Hooks.PreBackup) > 0 {
			logArgs = append(logArgs, "pre_backup_hooks", strings.Join(c.Hooks.PreBackup, "; "))
		}
		if len(c.Hooks.PostBackup) > 0 {
			logArgs = append(logArgs, "post_backup_hooks", strings.Join(c.Hooks.PostBackup, "; "))
		}
	case flagparse.Export:
		logArgs = append(logArgs, "db_prefix", c.Database.Prefix, "export_dir", c.ExportDir(), "app_name", c.Site.AppName)
	case flagparse.Upgrade:
		logArgs = append(logArgs, "php_binary", c.Upgrade.PHPBinary)
		if len(c.Hooks.PreUpgrade) > 0 {
			logArgs = append(logArgs, "pre_upgrade_hooks", strings.Join(c.Hooks.PreUpgrade, "; "))
		}
		if len(c.Hooks.PostUpgrade) > 0 {
			logArgs = append(logArgs, "post_upgrade_hooks", strings.Join(c.Hooks.PostUpgrade, "; "))
		}
	case flagparse.Schedule:
		logArgs = append(logArgs, "backup", c.Schedule.Backup, "export", c.Schedule.Export, "upgrade", c.Schedule.Upgrade)
	}
	plog.Info("Configuration loaded", logArgs...)
}

// MergeConfigWithFlags overlays the configuration values from flags on top of a base
// configuration. setFlags only contains the flags explicitly provided by the user.
func MergeConfigWithFlags(base Config, setFlags map[string]any) Config {
	merged := base
	// Slices are shared with base otherwise.
	merged.Backup.DumpArgs = append([]string(nil), base.Backup.DumpArgs...)

	for name, value := range setFlags {
		switch name {
		case "log-level":
			merged.LogLevel = value.(string)
		case "dry-run":
			merged.Runtime.DryRun = value.(bool)
		case "quiet":
			merged.Runtime.Quiet = value.(bool)
		case "metrics":
			merged.Engine.Metrics = value.(bool)
		case "moodle-dir":
			merged.Site.MoodleDir = value.(string)
		case "dataroot":
			merged.Site.DataRoot = value.(string)
		case "app-name":
			merged.Site.AppName = value.(string)
		case "db-type":
			merged.Database.Type = value.(string)
		case "db-host":
			merged.Database.Host = value.(string)
		case "db-port":
			merged.Database.Port = value.(int)
		case "db-socket":
			merged.Database.Socket = value.(string)
		case "db-name":
			merged.Database.Name = value.(string)
		case "db-user":
			merged.Database.User = value.(string)
		case "db-prefix":
			merged.Database.Prefix = value.(string)
		case "backup-dir":
			merged.Backup.Dir = value.(string)
		case "dump-binary":
			merged.Backup.DumpBinary = value.(string)
		case "compression-format":
			merged.Backup.Compression.Format = value.(string)
		case "compression-level":
			merged.Backup.Compression.Level = value.(string)
		case "export-dir":
			merged.Export.Dir = value.(string)
		case "php-binary":
			merged.Upgrade.PHPBinary = value.(string)
		case "pre-backup-hooks":
			merged.Hooks.PreBackup = value.([]string)
		case "post-backup-hooks":
			merged.Hooks.PostBackup = value.([]string)
		case "pre-upgrade-hooks":
			merged.Hooks.PreUpgrade = value.([]string)
		case "post-upgrade-hooks":
			merged.Hooks.PostUpgrade = value.([]string)
		case "schedule-backup":
			merged.Schedule.Backup = value.(string)
		case "schedule-export":
			merged.Schedule.Export = value.(string)
		case "schedule-upgrade":
			merged.Schedule.Upgrade = value.(string)
		case "config", "force", "default":
			// Consumed by the commands themselves.
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
		}
	}
	return merged
}
