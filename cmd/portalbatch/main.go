package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/portalbatch/internal/common"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	// Command-line flags
	configFiles  configPaths // Multiple -config flags supported
	inputPath    = flag.String("input", "", "Identifier spreadsheet (.xlsx or .csv, overrides config)")
	inputPathI   = flag.String("i", "", "Identifier spreadsheet (shorthand)")
	sessionMode  = flag.String("mode", "", "Session mode: fresh or shared (overrides config)")
	stepTimeout  = flag.String("step-timeout", "", "Ceiling per workflow step, e.g. 60s (overrides config)")
	itemPause    = flag.String("pause", "", "Pause between identifiers, e.g. 3s (overrides config)")
	limit        = flag.Int("limit", -1, "Process only the first N identifiers, 0 for all (overrides config)")
	serve        = flag.Bool("serve", false, "Start the operator server and scheduler instead of a single run")
	serverPort   = flag.Int("port", 0, "Server port (overrides config)")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func init() {
	// Register custom flag for multiple config files
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("PortalBatch version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		for _, candidate := range []string{"portalbatch.toml", "deployments/portalbatch.toml"} {
			if _, err := os.Stat(candidate); err == nil {
				configFiles = append(configFiles, candidate)
				break
			}
		}
	}

	// Startup sequence (REQUIRED ORDER):
	// 1. Load config (defaults -> file1 -> file2 -> ... -> env)
	// 2. Apply CLI overrides (highest priority)
	// 3. Validate
	// 4. Initialize logger
	// 5. Print banner
	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration files")
		os.Exit(1)
	}

	input := *inputPath
	if *inputPathI != "" {
		input = *inputPathI
	}
	common.ApplyFlagOverrides(config, common.FlagOverrides{
		Port:        *serverPort,
		Input:       input,
		SessionMode: *sessionMode,
		StepTimeout: *stepTimeout,
		ItemPause:   *itemPause,
		Limit:       *limit,
	})

	if err := config.Validate(); err != nil {
		arbor.NewLogger().Fatal().Err(err).Msg("Invalid configuration")
		os.Exit(1)
	}

	logger := common.InitLogger(config)
	common.InstallCrashHandler(common.LogsDir())
	defer common.RecoverWithCrashFile()

	common.PrintBanner(common.LoadVersionFromFile())

	logger.Info().
		Strs("config_files", configFiles).
		Str("portal", config.Portal.URL).
		Str("input", config.Input.Path).
		Str("session_mode", config.Batch.SessionMode).
		Bool("credentials_set", config.Portal.Username != "" && config.Portal.Password != "").
		Msg("Application configuration loaded")

	if *serve {
		os.Exit(runServer(config, logger))
	}
	os.Exit(runBatch(config, logger))
}
