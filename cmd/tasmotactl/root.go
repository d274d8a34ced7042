package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/darkermage/tasmota-fleet/internal/config"
	"github.com/darkermage/tasmota-fleet/internal/logging"
	"github.com/darkermage/tasmota-fleet/internal/tasmota"
)

// app carries state shared by every command once flags are parsed
type app struct {
	configFile string
	envFile    string
	logLevel   string
	jsonOutput bool
	timeout    int

	cfg      *config.Config
	logger   *zap.Logger
	closeLog func() error
	creds    *config.CredentialStore
	out      io.Writer
	errOut   io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{out: os.Stdout, errOut: os.Stderr}

	root := &cobra.Command{
		Use:           "tasmotactl",
		Short:         "Control and discover Tasmota devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.closeLog != nil {
				return a.closeLog()
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default $HOME/.tasmotactl/config.yaml)")
	flags.StringVar(&a.envFile, "env-file", "", "dotenv file loaded before the config (default .env)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVar(&a.jsonOutput, "json", false, "print results as JSON")
	flags.IntVar(&a.timeout, "timeout", 0, "device request timeout in milliseconds (1000-30000)")

	root.AddCommand(
		newPingCmd(a),
		newInfoCmd(a),
		newPowerCmd(a),
		newEnergyCmd(a),
		newSendCmd(a),
		newRenameCmd(a),
		newRestartCmd(a),
		newDiscoverCmd(a),
		newFleetCmd(a),
		newLoginCmd(a),
		newLogoutCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	a.out = cmd.OutOrStdout()
	a.errOut = cmd.ErrOrStderr()

	cfg, err := config.Load(config.LoadOptions{ConfigFile: a.configFile, EnvFile: a.envFile})
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.timeout != 0 {
		cfg.Device.Timeout = msToDuration(a.timeout)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	logger, closeLog, err := logging.New(cfg.Log, a.errOut)
	if err != nil {
		return err
	}
	a.logger = logger
	a.closeLog = closeLog

	path, err := config.DefaultCredentialsPath()
	if err != nil {
		return fmt.Errorf("failed to locate credentials: %w", err)
	}
	a.creds = config.NewCredentialStore(path)
	return nil
}

// deviceConfig builds the config for host from config, flags and saved
// credentials
func (a *app) deviceConfig(host string) (tasmota.DeviceConfig, error) {
	creds, err := a.creds.LoadOrEmpty()
	if err != nil {
		return tasmota.DeviceConfig{}, err
	}
	return a.cfg.DeviceFor(tasmota.NormalizeIPAddress(host), creds), nil
}

func (a *app) deviceOptions() []tasmota.Option {
	return []tasmota.Option{
		tasmota.WithLogger(a.logger),
		tasmota.WithRetryPolicy(a.cfg.RetryPolicy()),
	}
}

// openDevice creates a handle for host; the caller closes it
func (a *app) openDevice(host string) (*tasmota.Device, error) {
	cfg, err := a.deviceConfig(host)
	if err != nil {
		return nil, err
	}
	return tasmota.NewDevice(cfg, a.deviceOptions()...)
}

// errorMessage prefers the friendly text of classified device errors
func errorMessage(err error) string {
	var te *tasmota.Error
	if errors.As(err, &te) {
		return fmt.Sprintf("%s (%s)", te.UserFriendlyMessage(), te.Message)
	}
	return err.Error()
}
