package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/lancachemanager/opsd/internal/log"
	"github.com/lancachemanager/opsd/internal/model"
)

var (
	userConfigPath string // /default/config/path/opsd on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "opsd")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is opsd.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initOpsd

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("opsd failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "opsd",
	Short:        "Runs and supervises maintenance operations of a lancache dataset",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides version of opsd",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("opsd: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("opsd:   %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initOpsd(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("OPSDCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, "opsd.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	if configPath == "" {
		configPath = filepath.Join(userConfigPath, "opsd.yaml")
		if err := storeDefault(configPath); err != nil {
			return err
		}
	} else if err := loadConfig(configPath); err != nil {
		return err
	}

	// --verbose has a precedence over config file
	verbose := flagVerbose || (config.Verbose != nil && *config.Verbose)
	slog.SetDefault(log.New(verbose))

	slog.Debug("opsd run", "config_path", configPath)
	slog.Debug("opsd run", "config", config)
	return nil
}

// storeDefault writes the default configuration to path and uses it.
func storeDefault(path string) error {
	config = model.DefaultConfig(filepath.Join(filepath.Dir(path), "data"))
	if err := os.MkdirAll(config.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", config.DataDir, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	if err := model.WriteConfig(f, config); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	slog.Info("default configuration stored", "config_path", path)
	return nil
}

func loadConfig(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		var cfgErr *model.ConfigError
		if errors.As(err, &cfgErr) {
			for _, d := range cfgErr.Details {
				slog.Error("invalid configuration", d.Attr("detail"))
			}
		}
		return fmt.Errorf("parsing config: %w", err)
	}
	config = *cfg
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
