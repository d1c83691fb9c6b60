package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tagaudit/internal/config"
	"tagaudit/internal/logger"
)

// version 构建时通过 -ldflags 注入
var version = "dev"

var rootFlags struct {
	config string
	level  string
}

var rootCmd = &cobra.Command{
	Use:           "tagaudit",
	Short:         "Audit a page's analytics tags with a headless browser",
	SilenceUsage:  true,
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&rootFlags.config, "config", "c", "", "YAML config file")
	f.StringVar(&rootFlags.level, "log-level", "", "override log level (debug/info/warn/error)")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.Version = version
}

// loadConfig 未指定配置文件时使用默认配置
func loadConfig() (*config.Config, logger.Logger, error) {
	cfg := config.NewConfig()
	if rootFlags.config != "" {
		var err error
		if cfg, err = config.Load(rootFlags.config); err != nil {
			return nil, nil, err
		}
	}
	if rootFlags.level != "" {
		cfg.Log.Level = rootFlags.level
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, logger.New(cfg.Log.Options()), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
