package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"specter/config"
	"specter/database"
	"specter/logger"

	"github.com/spf13/cobra"
)

var (
	cfgFile          string
	dbPathFlag       string
	appLogPathFlag   string
	proxyLogPathFlag string
	logLevelFlag     string
)

func expandTildeCmd(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}

var rootCmd = &cobra.Command{
	Use:   "specter",
	Short: "A local passive security scanning proxy",
	Long: `Specter is an intercepting HTTP/S proxy that passively scans the
traffic flowing through it with sandboxed script plugins. Point a browser at
the proxy, trust the generated CA certificate, and findings accumulate in a
local deduplicated ledger as you browse.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Init(cfgFile, appLogPathFlag, proxyLogPathFlag, logLevelFlag); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		finalDBPath := dbPathFlag
		if finalDBPath == "" {
			finalDBPath = config.AppConfig.Database.Path
		}
		if expanded, err := expandTildeCmd(finalDBPath); err == nil {
			finalDBPath = expanded
		} else {
			logger.Error("Error expanding tilde in database path '%s': %v. Using original.", finalDBPath, err)
		}
		if finalDBPath == "" {
			logger.Error("Database path is empty after checking flag and config, falling back to 'specter.db' in CWD.")
			finalDBPath = "specter.db"
		}

		if err := database.InitDB(finalDBPath); err != nil {
			return fmt.Errorf("failed to initialize database at %s: %w", finalDBPath, err)
		}
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/specter/config.yaml or ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPathFlag, "dbpath", "", "path to SQLite database file (overrides config/default)")
	rootCmd.PersistentFlags().StringVar(&appLogPathFlag, "app-log", "", "path for the application log file (overrides config/default)")
	rootCmd.PersistentFlags().StringVar(&proxyLogPathFlag, "proxy-log", "", "path for the proxy log file (overrides config/default)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level: DEBUG, INFO, ERROR (overrides config/default)")
}
