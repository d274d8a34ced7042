package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/darkermage/tasmota-fleet/internal/config"
	"github.com/darkermage/tasmota-fleet/internal/tasmota"
)

// readPassword prompts on stderr and reads a line from stdin without echo
// when stdin is a terminal
func (a *app) readPassword(cmd *cobra.Command) (string, error) {
	fmt.Fprint(a.errOut, "Password: ")
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(a.errOut)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newLoginCmd(a *app) *cobra.Command {
	var (
		host        string
		username    string
		password    string
		askPassword bool
		verify      bool
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save device web credentials",
		Long: "Saves the WebPassword credentials used for every device, or for one " +
			"device with --host. The file is readable by the current user only.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if askPassword {
				p, err := a.readPassword(cmd)
				if err != nil {
					return err
				}
				password = p
			}
			if username == "" {
				username = "admin"
			}
			if host != "" {
				host = tasmota.NormalizeIPAddress(host)
			}

			if verify && host != "" {
				cfg := a.cfg.DeviceFor(host, nil)
				cfg.Username, cfg.Password = username, password
				d, err := tasmota.NewDevice(cfg, a.deviceOptions()...)
				if err != nil {
					return err
				}
				_, err = d.GetPowerStatus(cmd.Context())
				d.Close()
				if err != nil {
					return err
				}
			}

			creds, err := a.creds.LoadOrEmpty()
			if err != nil {
				return err
			}
			creds.Set(host, username, password)
			if err := a.creds.Save(*creds); err != nil {
				return err
			}

			target := "all devices"
			if host != "" {
				target = host
			}
			a.printf("credentials for %s saved to %s\n", target, a.creds.Path())
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "save credentials for this device only")
	cmd.Flags().StringVarP(&username, "username", "u", "admin", "web username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "web password")
	cmd.Flags().BoolVar(&askPassword, "ask-password", false, "prompt for the password")
	cmd.Flags().BoolVar(&verify, "verify", true, "check the credentials against --host before saving")
	cmd.MarkFlagsMutuallyExclusive("password", "ask-password")
	return cmd
}

func newLogoutCmd(a *app) *cobra.Command {
	var host string
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Forget saved device credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if host != "" {
				host = tasmota.NormalizeIPAddress(host)
			}
			creds, err := a.creds.Load()
			if err != nil {
				if errors.Is(err, config.ErrNoCredentials) {
					a.printf("no credentials saved\n")
					return nil
				}
				return err
			}
			if creds.Forget(host) {
				if err := a.creds.Save(*creds); err != nil {
					return err
				}
			} else if err := a.creds.Delete(); err != nil {
				return err
			}
			if host != "" {
				a.printf("credentials for %s removed\n", host)
			} else {
				a.printf("default credentials removed\n")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "forget the credentials of this device only")
	return cmd
}
