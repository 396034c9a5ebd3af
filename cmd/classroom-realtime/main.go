package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/config"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "classroom-realtime",
		Short:         "Classroom realtime channel client and sandbox server",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	bindFlag(rootCmd, "log.level", "log-level")
	bindFlag(rootCmd, "log.encoding", "log-encoding")

	rootCmd.AddCommand(newListenCommand(defaults), newSandboxCommand(defaults))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func bindLocalFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	// without --config a missing default file is fine
	if err := viper.ReadInConfig(); err != nil && cfgFile != "" {
		return err
	}

	return nil
}
