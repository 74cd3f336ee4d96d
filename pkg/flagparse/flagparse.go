package flagparse

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-moodle/pkg/buildinfo"
)

// DefaultConfigPath is used when -config is not given.
const DefaultConfigPath = "pgl-moodle.config.json"

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	ConfigPath *string
	LogLevel   *string
	DryRun     *bool
	Metrics    *bool
	Quiet      *bool

	// Site / database
	MoodleDir *string
	DataRoot  *string
	AppName   *string
	DBType    *string
	DBHost    *string
	DBPort    *int
	DBSocket  *string
	DBName    *string
	DBUser    *string
	DBPrefix  *string

	// Backup
	BackupDir         *string
	DumpBinary        *string
	CompressionFormat *string
	CompressionLevel  *string
	PreBackupHooks    *string
	PostBackupHooks   *string

	// Export
	ExportDir *string

	// Upgrade
	PHPBinary        *string
	PreUpgradeHooks  *string
	PostUpgradeHooks *string

	// Schedule
	ScheduleBackup  *string
	ScheduleExport  *string
	ScheduleUpgrade *string

	// Init specific
	Force   *bool
	Default *bool
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.ConfigPath = fs.String("config", DefaultConfigPath, "Path to the JSON configuration file.")
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	f.DryRun = fs.Bool("dry-run", false, "Show what would be done without making any changes.")
	f.Metrics = fs.Bool("metrics", false, "Log byte and row counters at the end of a run.")
	f.Quiet = fs.Bool("quiet", false, "Suppress informational log output.")
}

func registerSiteFlags(fs *flag.FlagSet, f *cliFlags) {
	f.MoodleDir = fs.String("moodle-dir", "", "Moodle installation directory (config.php is read from here).")
	f.DataRoot = fs.String("dataroot", "", "Moodle data directory. Overrides $CFG->dataroot.")
}

func registerDatabaseFlags(fs *flag.FlagSet, f *cliFlags) {
	f.DBType = fs.String("db-type", "", "Database type: 'mysqli', 'mariadb', 'auroramysql' or 'pgsql'.")
	f.DBHost = fs.String("db-host", "", "Database host.")
	f.DBPort = fs.Int("db-port", 0, "Database port (0 = driver default).")
	f.DBSocket = fs.String("db-socket", "", "Database unix socket path.")
	f.DBName = fs.String("db-name", "", "Database (schema) name.")
	f.DBUser = fs.String("db-user", "", "Database user. The password is read from the config file or PGL_MOODLE_DB_PASSWORD.")
}

func registerBackupFlags(fs *flag.FlagSet, f *cliFlags) {
	registerSiteFlags(fs, f)
	registerDatabaseFlags(fs, f)
	f.BackupDir = fs.String("backup-dir", "", "Directory for dump files (default: <dataroot>/backup).")
	f.DumpBinary = fs.String("dump-binary", "", "Dump tool to run (default: mysqldump or pg_dump depending on db-type).")
	f.CompressionFormat = fs.String("compression-format", "", "Compression format: 'gzip' or 'zstd'.")
	f.CompressionLevel = fs.String("compression-level", "", "Compression level: 'default', 'fastest', 'better', 'best'.")
	f.PreBackupHooks = fs.String("pre-backup-hooks", "", "Comma-separated list of commands to run before the dump.")
	f.PostBackupHooks = fs.String("post-backup-hooks", "", "Comma-separated list of commands to run after the dump.")
}

func registerExportFlags(fs *flag.FlagSet, f *cliFlags) {
	registerSiteFlags(fs, f)
	registerDatabaseFlags(fs, f)
	f.DBPrefix = fs.String("db-prefix", "", "Table prefix (default: mdl_).")
	f.ExportDir = fs.String("export-dir", "", "Directory for the exported settings file (default: <dataroot>/stats).")
	f.AppName = fs.String("app-name", "", "Application name used in the export file name (config-<app>.php).")
}

func registerUpgradeFlags(fs *flag.FlagSet, f *cliFlags) {
	registerSiteFlags(fs, f)
	f.PHPBinary = fs.String("php-binary", "", "PHP CLI binary used to drive the plugin manager.")
	f.PreUpgradeHooks = fs.String("pre-upgrade-hooks", "", "Comma-separated list of commands to run before upgrading.")
	f.PostUpgradeHooks = fs.String("post-upgrade-hooks", "", "Comma-separated list of commands to run after upgrading.")
}

func registerScheduleFlags(fs *flag.FlagSet, f *cliFlags) {
	f.ScheduleBackup = fs.String("schedule-backup", "", "Cron expression for the backup job (empty = disabled).")
	f.ScheduleExport = fs.String("schedule-export", "", "Cron expression for the export job (empty = disabled).")
	f.ScheduleUpgrade = fs.String("schedule-upgrade", "", "Cron expression for the upgrade job (empty = disabled).")
}

func registerInitFlags(fs *flag.FlagSet, f *cliFlags) {
	// Init accepts everything that ends up in the config file.
	registerBackupFlags(fs, f)
	f.DBPrefix = fs.String("db-prefix", "", "Table prefix (default: mdl_).")
	f.ExportDir = fs.String("export-dir", "", "Directory for the exported settings file (default: <dataroot>/stats).")
	f.AppName = fs.String("app-name", "", "Application name used in the export file name (config-<app>.php).")
	f.PHPBinary = fs.String("php-binary", "", "PHP CLI binary used to drive the plugin manager.")
	f.PreUpgradeHooks = fs.String("pre-upgrade-hooks", "", "Comma-separated list of commands to run before upgrading.")
	f.PostUpgradeHooks = fs.String("post-upgrade-hooks", "", "Comma-separated list of commands to run after upgrading.")
	registerScheduleFlags(fs, f)
	f.Force = fs.Bool("force", false, "Bypass confirmation prompts.")
	f.Default = fs.Bool("default", false, "Overwrite an existing configuration with defaults.")
}

var commandDescriptions = map[Command]string{
	Backup:   "Dump the database into a compressed, timestamped file.",
	Export:   "Export database-stored settings to a generated PHP config file.",
	Upgrade:  "Install available plugin updates and run the non-core upgrade, twice.",
	Schedule: "Run backup, export and upgrade on cron schedules until interrupted.",
	Init:     "Write a configuration file from defaults and flags.",
}

var commandRegistrars = map[Command]func(*flag.FlagSet, *cliFlags){
	Backup:   registerBackupFlags,
	Export:   registerExportFlags,
	Upgrade:  registerUpgradeFlags,
	Schedule: registerScheduleFlags,
	Init:     registerInitFlags,
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the command and
// a map holding only the flags the user explicitly set.
func Parse(args []string) (Command, map[string]any, error) {
	return parse(args, os.Stderr)
}

func parse(args []string, output io.Writer) (Command, map[string]any, error) {
	if len(args) == 0 {
		printTopLevelUsage(output)
		return None, nil, nil
	}

	cmdStr := strings.ToLower(args[0])
	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		printTopLevelUsage(output)
		return None, nil, nil
	}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}

	if command == Version {
		return command, nil, nil
	}

	register, ok := commandRegistrars[command]
	if !ok {
		return None, nil, fmt.Errorf("unknown command: %s", args[0])
	}

	f := &cliFlags{}
	fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
	fs.SetOutput(output)
	registerGlobalFlags(fs, f)
	register(fs, f)

	fs.Usage = func() {
		printSubcommandUsage(command, commandDescriptions[command], fs)
	}

	if err := fs.Parse(args[1:]); err != nil {
		return command, nil, err
	}
	if fs.NArg() > 0 {
		return command, nil, fmt.Errorf("unexpected arguments for %s: %v", command, fs.Args())
	}
	return command, flagsToMap(fs, f), nil
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) map[string]any {
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "config", f.ConfigPath)
	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "dry-run", f.DryRun)
	addIfUsed(flagMap, usedFlags, "metrics", f.Metrics)
	addIfUsed(flagMap, usedFlags, "quiet", f.Quiet)

	addIfUsed(flagMap, usedFlags, "moodle-dir", f.MoodleDir)
	addIfUsed(flagMap, usedFlags, "dataroot", f.DataRoot)
	addIfUsed(flagMap, usedFlags, "app-name", f.AppName)
	addIfUsed(flagMap, usedFlags, "db-type", f.DBType)
	addIfUsed(flagMap, usedFlags, "db-host", f.DBHost)
	addIfUsed(flagMap, usedFlags, "db-port", f.DBPort)
	addIfUsed(flagMap, usedFlags, "db-socket", f.DBSocket)
	addIfUsed(flagMap, usedFlags, "db-name", f.DBName)
	addIfUsed(flagMap, usedFlags, "db-user", f.DBUser)
	addIfUsed(flagMap, usedFlags, "db-prefix", f.DBPrefix)

	addIfUsed(flagMap, usedFlags, "backup-dir", f.BackupDir)
	addIfUsed(flagMap, usedFlags, "dump-binary", f.DumpBinary)
	addIfUsed(flagMap, usedFlags, "compression-format", f.CompressionFormat)
	addIfUsed(flagMap, usedFlags, "compression-level", f.CompressionLevel)

	addIfUsed(flagMap, usedFlags, "export-dir", f.ExportDir)
	addIfUsed(flagMap, usedFlags, "php-binary", f.PHPBinary)

	addIfUsed(flagMap, usedFlags, "schedule-backup", f.ScheduleBackup)
	addIfUsed(flagMap, usedFlags, "schedule-export", f.ScheduleExport)
	addIfUsed(flagMap, usedFlags, "schedule-upgrade", f.ScheduleUpgrade)

	addIfUsed(flagMap, usedFlags, "force", f.Force)
	addIfUsed(flagMap, usedFlags, "default", f.Default)

	addParsedIfUsed(flagMap, usedFlags, "pre-backup-hooks", f.PreBackupHooks, ParseCmdList)
	addParsedIfUsed(flagMap, usedFlags, "post-backup-hooks", f.PostBackupHooks, ParseCmdList)
	addParsedIfUsed(flagMap, usedFlags, "pre-upgrade-hooks", f.PreUpgradeHooks, ParseCmdList)
	addParsedIfUsed(flagMap, usedFlags, "post-upgrade-hooks", f.PostUpgradeHooks, ParseCmdList)

	return flagMap
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]any, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// addParsedIfUsed adds the parsed value of ptr to flagMap if ptr is not nil and the flag was set.
func addParsedIfUsed(flagMap map[string]any, usedFlags map[string]bool, name string, ptr *string, parser func(string) []string) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = parser(*ptr)
	}
}

func printTopLevelUsage(w io.Writer) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(w, "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(w, "Administrative jobs for a Moodle site.\n\n")
	fmt.Fprintf(w, "Usage: %s <command> [flags]\n\n", execName)
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  backup      Dump the database into a compressed file\n")
	fmt.Fprintf(w, "  export      Export database-stored settings to a PHP config file\n")
	fmt.Fprintf(w, "  upgrade     Install plugin updates and run the upgrade\n")
	fmt.Fprintf(w, "  schedule    Run the jobs on cron schedules\n")
	fmt.Fprintf(w, "  init        Write a configuration file\n")
	fmt.Fprintf(w, "  version     Print the application version\n")
	fmt.Fprintf(w, "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

func printSubcommandUsage(command Command, desc string, fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Administrative jobs for a Moodle site.\n\n")
	fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags]\n\n", command, execName, command)
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}

// ParseCmdList parses a comma-separated list of shell-like commands.
// It preserves quotes and handles backslash escapes so they can be interpreted by the shell.
func ParseCmdList(s string) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

	appendItem := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	var isEscaped bool
	for _, r := range s {
		if isEscaped {
			current.WriteRune(r)
			isEscaped = false
			continue
		}

		switch {
		case r == '\\':
			isEscaped = true
			// The shell interprets the escape, so the backslash stays.
			current.WriteRune(r)
		case r == '\'' || r == '"':
			if quoteChar == 0 {
				quoteChar = r
			} else if quoteChar == r {
				quoteChar = 0
			}
			current.WriteRune(r)
		case r == ',' && quoteChar == 0:
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem()
	return list
}
