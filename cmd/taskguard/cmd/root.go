package cmd

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/taskguard/internal/config"
)

var (
	cfgFile      string
	outputFormat string

	v = config.NewViper()
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "taskguard",
	Short: "Supervisor for critical and periodic background tasks",
	Long: `taskguard runs configured background tasks under supervision. A task that
fails after it has started is escalated, and by default the whole process
shuts down. Periodic tasks either crash the application on failure or log
the error and retry on their next interval.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./taskguard.yaml or /etc/taskguard/taskguard.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// loadConfig reads and validates the configuration for the current flags.
func loadConfig() (*config.Config, error) {
	return loadConfigFrom(v, cfgFile)
}

func loadConfigFrom(v *viper.Viper, path string) (*config.Config, error) {
	cfg, err := config.Load(v, path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}
