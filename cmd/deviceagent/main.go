package main

import (
	"encoding/json"
	"os"
	"strings"

	deviceagent "github.com/httprunner/DeviceAgent"
	"github.com/httprunner/DeviceAgent/internal/config"
	"github.com/httprunner/DeviceAgent/internal/env"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "deviceagent",
	Short: "Orchestrate automation tasks on attached Android devices",
	Long:  `deviceagent 管理设备连接、按设备串行调度任务，并执行基于屏幕状态识别的登录流程。配置从环境变量与 .env 加载。`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(firstNonEmpty(rootLogLevel, config.String(config.EnvLogLevel, "info")))
	},
}

var (
	rootLogLevel string
	rootDBPath   string
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level (default from DEVICEAGENT_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&rootDBPath, "db", "", "SQLite path (default from DEVICEAGENT_DB_PATH)")
	rootCmd.AddCommand(
		newServeCmd(),
		newDeviceCmd(),
		newTaskCmd(),
		newAccountCmd(),
	)
	_ = env.Ensure()
}

func setupLogging(level string) error {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(parsed)
	return nil
}

// openAgent builds an agent from the environment with CLI overrides applied.
func openAgent() (*deviceagent.Agent, error) {
	cfg := config.Load()
	if path := strings.TrimSpace(rootDBPath); path != "" {
		cfg.DBPath = path
	}
	return deviceagent.Open(cfg)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("deviceagent command failed")
	}
}
