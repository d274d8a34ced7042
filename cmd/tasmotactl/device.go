package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/darkermage/tasmota-fleet/internal/tasmota"
)

// withDevice opens args[0] for the duration of run
func (a *app) withDevice(args []string, run func(d *tasmota.Device) error) error {
	d, err := a.openDevice(args[0])
	if err != nil {
		return err
	}
	defer d.Close()
	return run(d)
}

func newPingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ping <host>",
		Short: "Check whether a device answers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDevice(args, func(d *tasmota.Device) error {
				ok := d.Ping(cmd.Context())
				err := a.print(map[string]any{"host": d.Host(), "reachable": ok}, func() error {
					if ok {
						a.printf("%s is reachable\n", d.Host())
					} else {
						a.printf("%s is not reachable\n", d.Host())
					}
					return nil
				})
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s did not answer", d.Host())
				}
				return nil
			})
		},
	}
}

func newInfoCmd(a *app) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "info <host>",
		Short: "Show device identity, firmware and uptime",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDevice(args, func(d *tasmota.Device) error {
				var opts []tasmota.CallOption
				if refresh {
					opts = append(opts, tasmota.ForceRefresh())
				}
				info, err := d.GetDeviceInfo(cmd.Context(), opts...)
				if err != nil {
					return err
				}
				return a.print(info, func() error {
					rows := [][]string{
						{"Hostname", info.Hostname},
						{"IP address", info.IPAddress},
						{"MAC address", info.MACAddress},
						{"Friendly names", strings.Join(info.FriendlyName, ", ")},
						{"Version", info.Version},
						{"Build", info.BuildDateTime},
						{"Hardware", info.Hardware},
						{"Uptime", fmt.Sprintf("%s (%ds)", info.Uptime, info.UptimeSeconds)},
					}
					if info.WifiSignal != nil {
						rows = append(rows, []string{"Wi-Fi signal", fmt.Sprintf("%d dBm", *info.WifiSignal)})
					}
					return a.table([]string{"FIELD", "VALUE"}, rows)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass the cached device info")
	return cmd
}

// parsePowerAction maps a CLI action to a power command
func parsePowerAction(action string) (tasmota.PowerCommand, error) {
	switch strings.ToLower(action) {
	case "on":
		return tasmota.PowerCommandOn, nil
	case "off":
		return tasmota.PowerCommandOff, nil
	case "toggle":
		return tasmota.PowerCommandToggle, nil
	case "blink":
		return tasmota.PowerCommandBlink, nil
	case "blinkoff":
		return tasmota.PowerCommandBlinkOff, nil
	}
	return "", tasmota.ValidationError(fmt.Sprintf("unknown power action %q", action))
}

func (a *app) printPowerStatus(ps *tasmota.PowerStatus) error {
	return a.print(ps, func() error {
		relays := make([]string, 0, len(ps.Relays))
		for relay := range ps.Relays {
			relays = append(relays, relay)
		}
		sort.Slice(relays, func(i, j int) bool {
			x, _ := strconv.Atoi(relays[i])
			y, _ := strconv.Atoi(relays[j])
			return x < y
		})
		rows := make([][]string, 0, len(relays))
		for _, relay := range relays {
			rows = append(rows, []string{relay, string(ps.Relays[relay])})
		}
		return a.table([]string{"RELAY", "STATE"}, rows)
	})
}

func newPowerCmd(a *app) *cobra.Command {
	var relay int
	cmd := &cobra.Command{
		Use:   "power <host> [on|off|toggle|blink|blinkoff|all-on|all-off]",
		Short: "Show or switch relay power",
		Long: "Without an action the state of every relay is shown. all-on and all-off " +
			"switch every relay of the device at once.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDevice(args, func(d *tasmota.Device) error {
				ctx := cmd.Context()
				if len(args) == 1 {
					ps, err := d.GetPowerStatus(ctx)
					if err != nil {
						return err
					}
					return a.printPowerStatus(ps)
				}

				switch strings.ToLower(args[1]) {
				case "all-on", "all-off":
					turn := d.TurnOnAll
					if strings.ToLower(args[1]) == "all-off" {
						turn = d.TurnOffAll
					}
					ps, err := turn(ctx)
					if err != nil {
						return err
					}
					return a.printPowerStatus(ps)
				}

				command, err := parsePowerAction(args[1])
				if err != nil {
					return err
				}
				state, err := d.SetPowerState(ctx, command, relay)
				if err != nil {
					return err
				}
				return a.print(map[string]any{"host": d.Host(), "relay": relay, "state": state}, func() error {
					a.printf("%s relay %d is %s\n", d.Host(), relay, state)
					return nil
				})
			})
		},
	}
	cmd.Flags().IntVar(&relay, "relay", 1, "relay index (1-8)")
	return cmd
}

func newEnergyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "energy <host>",
		Short: "Show power metering readings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDevice(args, func(d *tasmota.Device) error {
				energy, err := d.GetEnergyData(cmd.Context())
				if err != nil {
					return err
				}
				if energy == nil {
					return a.print(map[string]any{"host": d.Host(), "energy": nil}, func() error {
						a.printf("%s has no energy sensor\n", d.Host())
						return nil
					})
				}
				return a.print(energy, func() error {
					return a.table([]string{"READING", "VALUE"}, [][]string{
						{"Power", fmt.Sprintf("%.1f W", energy.Power)},
						{"Apparent power", fmt.Sprintf("%.1f VA", energy.ApparentPower)},
						{"Reactive power", fmt.Sprintf("%.1f VAr", energy.ReactivePower)},
						{"Power factor", fmt.Sprintf("%.2f", energy.Factor)},
						{"Voltage", fmt.Sprintf("%.1f V", energy.Voltage)},
						{"Current", fmt.Sprintf("%.3f A", energy.Current)},
						{"Today", fmt.Sprintf("%.3f kWh", energy.Today)},
						{"Yesterday", fmt.Sprintf("%.3f kWh", energy.Yesterday)},
						{"Total", fmt.Sprintf("%.3f kWh since %s", energy.Total, energy.TotalStartTime)},
					})
				})
			})
		},
	}
}

func newSendCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "send <host> <command>...",
		Short: "Send a raw console command",
		Example: "  tasmotactl send 192.168.1.50 Status 0\n" +
			"  tasmotactl send 192.168.1.50 Backlog Power1 ON; Delay 50; Power1 OFF",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDevice(args, func(d *tasmota.Device) error {
				res := d.SendCommand(cmd.Context(), strings.Join(args[1:], " "))
				if !res.Success {
					if a.wantJSON() {
						if err := a.printJSON(res); err != nil {
							return err
						}
					}
					return res.Error
				}
				return a.printJSON(res.Data)
			})
		},
	}
}

func newRenameCmd(a *app) *cobra.Command {
	var (
		relay      int
		deviceName bool
	)
	cmd := &cobra.Command{
		Use:   "rename <host> <name>",
		Short: "Set the friendly name of a relay or the device name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDevice(args, func(d *tasmota.Device) error {
				if deviceName {
					if err := d.SetDeviceName(cmd.Context(), args[1]); err != nil {
						return err
					}
					a.printf("device name of %s set to %q\n", d.Host(), args[1])
					return nil
				}
				if err := d.SetFriendlyName(cmd.Context(), relay, args[1]); err != nil {
					return err
				}
				a.printf("friendly name %d of %s set to %q\n", relay, d.Host(), args[1])
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&relay, "relay", 1, "relay whose friendly name is set")
	cmd.Flags().BoolVar(&deviceName, "device", false, "set the device name instead of a friendly name")
	return cmd
}

func newRestartCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "restart <host>",
		Short: "Restart a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("restart interrupts the device; pass --yes to confirm")
			}
			return a.withDevice(args, func(d *tasmota.Device) error {
				if err := d.Restart(cmd.Context()); err != nil {
					return err
				}
				a.printf("%s is restarting\n", d.Host())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the restart")
	return cmd
}
