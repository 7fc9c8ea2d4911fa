// Command trader runs the intraday trading engine.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"

	_ "time/tzdata"

	"intraday-trader/internal/cli"
	"intraday-trader/internal/config"
	"intraday-trader/internal/logging"
)

func main() {
	configDir := configDirFromArgs(os.Args[1:])
	if configDir == "" {
		configDir = os.Getenv("TRADER_CONFIG_DIR")
	}
	if configDir == "" {
		configDir = config.DefaultConfigDir()
	}

	cfg, err := config.Load(configDir)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}

	logCfg := logging.DefaultLogConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Console = cfg.Logging.Console
	logCfg.File = cfg.Logging.File
	if cfg.Logging.FilePath != "" {
		logCfg.FilePath = cfg.Logging.FilePath
	}
	logger := logging.NewLogger(logCfg)

	app := &cli.App{
		Config:    cfg,
		ConfigDir: configDir,
		Logger:    logger,
	}

	if err := cli.NewRootCmd(app).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(1)
	}
}

// configDirFromArgs extracts --config before cobra parses the command line,
// since the configuration is needed to build the commands.
func configDirFromArgs(args []string) string {
	for i, arg := range args {
		switch {
		case arg == "--config" && i+1 < len(args):
			return args[i+1]
		case strings.HasPrefix(arg, "--config="):
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	return ""
}
