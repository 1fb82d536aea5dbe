package main

import (
	"errors"
	"os"

	"github.com/jamesrossjr/canvas-core/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "canvas-collab",
		Short: "Realtime workspace collaboration server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTailCommand(), newPresenceCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	flags.String("overflow-policy", defaults.GetString("ws.overflow_policy"), "Slow consumer policy (drop_oldest, disconnect)")
	flags.StringSlice("allowed-origins", nil, "Allowed browser origins (empty allows all)")
	flags.String("signing-secret", "", "Session signing secret (overrides env)")
	flags.String("redis-address", defaults.GetString("redis.address"), "Redis address for the presence mirror")
	flags.StringSlice("kafka-brokers", nil, "Kafka brokers for the operation feed")
	flags.String("kafka-topic", defaults.GetString("kafka.topic"), "Kafka topic for block operations")
	flags.String("server-url", defaults.GetString("client.server_url"), "Collaboration endpoint used by client commands")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "ws.overflow_policy", "overflow-policy")
	bindFlag(cmd, "ws.allowed_origins", "allowed-origins")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "kafka.brokers", "kafka-brokers")
	bindFlag(cmd, "kafka.topic", "kafka-topic")
	bindFlag(cmd, "client.server_url", "server-url")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
