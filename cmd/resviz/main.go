package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/resviz/resviz/pkg/logger"
	"github.com/resviz/resviz/pkg/presenter"
)

var rootCmd = &cobra.Command{
	Use:   "resviz",
	Short: "Collaborative research planning backend",
	Long: `resviz is the backend of a collaborative research planning service:
LLM agents grow a tree of research problems and candidate solutions, every
change is recorded as an immutable snapshot, and clients follow the agents'
work over a streaming message log.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.SetLogLevel(viper.GetString("log_level")); err != nil {
			return err
		}
		logger.SetLogFormat(viper.GetString("log_format"))
		return nil
	},
}

func init() {
	viper.SetEnvPrefix("RESVIZ")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.resviz")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig()

	setConfigDefaults()

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (json, text, fatih)")
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func setConfigDefaults() {
	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.base_url", "https://api.deepseek.com/v1")
	viper.SetDefault("llm.reasoner_model", "deepseek-reasoner")
	viper.SetDefault("llm.chat_model", "deepseek-chat")
	viper.SetDefault("llm.max_tokens", 4000)
	viper.SetDefault("llm.temperature", 0.7)
	viper.SetDefault("llm.use_reasoner", true)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8008)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "text")
	viper.SetDefault("store.type", "json")
	viper.SetDefault("store.base_path", "")
	viper.SetDefault("store.db_path", "")
	viper.SetDefault("prompts.override_dirs", []string{"./prompts"})
	viper.SetDefault("prompts.watch", false)
	viper.SetDefault("retry.attempts", 3)
	viper.SetDefault("retry.base_delay", "1s")
	viper.SetDefault("retry.max_delay", "60s")
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.sampler", "ratio")
	viper.SetDefault("tracing.ratio", 0.1)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		presenter.Error(err, "command failed")
		os.Exit(1)
	}
}
