package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"specter/logger"

	"github.com/spf13/viper"
)

type DefaultPaths struct {
	ConfigDir    string
	LogPathApp   string
	LogPathProxy string
	CACertPath   string
	CAKeyPath    string
	DBPath       string
	PluginsDir   string
	LogLevel     string
}

type Configuration struct {
	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`
	Server struct {
		Port    string `mapstructure:"port"`
		LogPath string `mapstructure:"log_path"`
	} `mapstructure:"server"`
	Proxy struct {
		Port            int    `mapstructure:"port"`
		MaxPortAttempts int    `mapstructure:"max_port_attempts"`
		CACertPath      string `mapstructure:"ca_cert_path"`
		CAKeyPath       string `mapstructure:"ca_key_path"`
		LogPath         string `mapstructure:"log_path"`
		MaxBodyCapture  int64  `mapstructure:"max_body_capture"`
	} `mapstructure:"proxy"`
	Scanner struct {
		QueueSize      int `mapstructure:"queue_size"`
		Workers        int `mapstructure:"workers"`
		OrphanTTLSec   int `mapstructure:"orphan_ttl_sec"`
		StatsPeriodSec int `mapstructure:"stats_period_sec"`
	} `mapstructure:"scanner"`
	Plugins struct {
		Dir            string `mapstructure:"dir"`
		CallTimeoutSec int    `mapstructure:"call_timeout_sec"`
		AllowOutbound  bool   `mapstructure:"allow_outbound"`
		AutoEnable     bool   `mapstructure:"auto_enable"`
	} `mapstructure:"plugins"`
	Dedup struct {
		EvidenceMaxLen int `mapstructure:"evidence_max_len"`
	} `mapstructure:"dedup"`
	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
}

var AppConfig Configuration

func expandTilde(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}

func GetDefaultConfigPaths() DefaultPaths {
	var paths DefaultPaths
	userConfigDirBase, err := os.UserConfigDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not get user config dir: %v. Using current directory.\n", err)
		userConfigDirBase = "."
	}

	paths.ConfigDir = filepath.Join(userConfigDirBase, "specter")
	logDir := filepath.Join(paths.ConfigDir, "logs")

	paths.LogPathApp = filepath.Join(logDir, "app.log")
	paths.LogPathProxy = filepath.Join(logDir, "proxy.log")
	paths.CACertPath = filepath.Join(paths.ConfigDir, "specter-ca.crt")
	paths.CAKeyPath = filepath.Join(paths.ConfigDir, "specter-ca.key")
	paths.DBPath = filepath.Join(paths.ConfigDir, "specter.db")
	paths.PluginsDir = filepath.Join(paths.ConfigDir, "plugins")
	paths.LogLevel = "INFO"
	return paths
}

// Init loads configuration from file/env/defaults, applies flag overrides,
// ensures directories exist, and (re)initializes the global loggers.
func Init(cfgFile string, flagAppLogPath, flagProxyLogPath, flagLogLevel string) error {
	v := viper.New()

	defaults := GetDefaultConfigPaths()
	v.SetDefault("database.path", defaults.DBPath)
	v.SetDefault("server.port", "8788")
	v.SetDefault("server.log_path", defaults.LogPathApp)
	v.SetDefault("proxy.port", 8787)
	v.SetDefault("proxy.max_port_attempts", 10)
	v.SetDefault("proxy.ca_cert_path", defaults.CACertPath)
	v.SetDefault("proxy.ca_key_path", defaults.CAKeyPath)
	v.SetDefault("proxy.log_path", defaults.LogPathProxy)
	v.SetDefault("proxy.max_body_capture", int64(2*1024*1024))
	v.SetDefault("scanner.queue_size", 1024)
	v.SetDefault("scanner.workers", 4)
	v.SetDefault("scanner.orphan_ttl_sec", 120)
	v.SetDefault("scanner.stats_period_sec", 5)
	v.SetDefault("plugins.dir", defaults.PluginsDir)
	v.SetDefault("plugins.call_timeout_sec", 30)
	v.SetDefault("plugins.allow_outbound", false)
	v.SetDefault("plugins.auto_enable", false)
	v.SetDefault("dedup.evidence_max_len", 256)
	v.SetDefault("logging.level", defaults.LogLevel)

	if cfgFile != "" {
		expandedCfgFile, err := expandTilde(cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Could not expand tilde in config file path '%s': %v. Trying original path.\n", cfgFile, err)
			expandedCfgFile = cfgFile
		}
		v.SetConfigFile(expandedCfgFile)
		v.SetConfigType("yaml")
	} else {
		v.AddConfigPath(defaults.ConfigDir)
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("SPECTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	configUsedMsg := "Using default/environment configuration."
	readErr := v.ReadInConfig()
	if readErr == nil {
		configUsedMsg = fmt.Sprintf("Using config file: %s", v.ConfigFileUsed())
	} else {
		if _, ok := readErr.(viper.ConfigFileNotFoundError); ok {
			if cfgFile != "" {
				fmt.Fprintf(os.Stderr, "Warning: Config file specified by flag (%s) not found: %v\n", cfgFile, readErr)
			}
		} else {
			fmt.Fprintf(os.Stderr, "Error reading config file %s: %v\n", v.ConfigFileUsed(), readErr)
		}
	}

	if err := v.Unmarshal(&AppConfig); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: Error unmarshalling configuration: %v\n", err)
		return fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if flagAppLogPath != "" {
		if expanded, err := expandTilde(flagAppLogPath); err == nil {
			AppConfig.Server.LogPath = expanded
		} else {
			AppConfig.Server.LogPath = flagAppLogPath
		}
	}
	if flagProxyLogPath != "" {
		if expanded, err := expandTilde(flagProxyLogPath); err == nil {
			AppConfig.Proxy.LogPath = expanded
		} else {
			AppConfig.Proxy.LogPath = flagProxyLogPath
		}
	}
	if flagLogLevel != "" {
		AppConfig.Logging.Level = strings.ToUpper(flagLogLevel)
	}

	var err error
	AppConfig.Database.Path, err = expandTilde(AppConfig.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not expand tilde in database.path '%s': %v.\n", AppConfig.Database.Path, err)
	}
	AppConfig.Proxy.CACertPath, err = expandTilde(AppConfig.Proxy.CACertPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not expand tilde in proxy.ca_cert_path '%s': %v.\n", AppConfig.Proxy.CACertPath, err)
	}
	AppConfig.Proxy.CAKeyPath, err = expandTilde(AppConfig.Proxy.CAKeyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not expand tilde in proxy.ca_key_path '%s': %v.\n", AppConfig.Proxy.CAKeyPath, err)
	}
	AppConfig.Plugins.Dir, err = expandTilde(AppConfig.Plugins.Dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not expand tilde in plugins.dir '%s': %v.\n", AppConfig.Plugins.Dir, err)
	}

	if err := os.MkdirAll(filepath.Dir(AppConfig.Server.LogPath), 0750); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not create app log directory %s: %v\n", filepath.Dir(AppConfig.Server.LogPath), err)
	}
	if err := os.MkdirAll(filepath.Dir(AppConfig.Proxy.LogPath), 0750); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not create proxy log directory %s: %v\n", filepath.Dir(AppConfig.Proxy.LogPath), err)
	}
	if err := os.MkdirAll(defaults.ConfigDir, 0750); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not create config directory %s: %v\n", defaults.ConfigDir, err)
	}

	if err := logger.InitGlobalLoggers(AppConfig.Server.LogPath, AppConfig.Proxy.LogPath, AppConfig.Logging.Level); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: Failed to initialize global loggers with final config: %v\n", err)
		return fmt.Errorf("failed to initialize global loggers with final config: %w", err)
	}

	logger.Info(configUsedMsg)
	if AppConfig.Plugins.AllowOutbound {
		logger.Warn("Plugins: outbound HTTP capability is ENABLED for sandboxed plugins.")
	}
	logger.Debug("Final AppConfig Initialized: %+v", AppConfig)
	return nil
}
