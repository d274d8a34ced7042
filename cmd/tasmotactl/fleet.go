package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/darkermage/tasmota-fleet/internal/fleet"
	"github.com/darkermage/tasmota-fleet/internal/inventory"
	"github.com/darkermage/tasmota-fleet/internal/tasmota"
)

// loadRegistry registers the inventory devices, or only those in ids when
// ids is not empty. The caller destroys the registry.
func (a *app) loadRegistry(ids []string) (*fleet.Registry, *inventory.Store, error) {
	store, err := a.openInventory()
	if err != nil {
		return nil, nil, err
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	reg := fleet.NewRegistry(
		fleet.WithLogger(a.logger),
		fleet.WithDeviceOptions(a.deviceOptions()...),
	)
	for _, d := range store.Manifest.Devices {
		if len(wanted) > 0 && !wanted[d.ID] {
			continue
		}
		delete(wanted, d.ID)

		cfg, err := a.deviceConfig(d.Host)
		if err != nil {
			reg.Destroy()
			return nil, nil, err
		}
		if d.Port != 0 {
			cfg.Port = d.Port
		}
		if _, err := reg.AddDevice(cfg, d.ID); err != nil {
			a.logger.Warn("skipping inventory device", zap.String("device_id", d.ID), zap.Error(err))
		}
	}
	for id := range wanted {
		reg.Destroy()
		return nil, nil, fmt.Errorf("device %q is not in the inventory", id)
	}
	if reg.Len() == 0 {
		reg.Destroy()
		return nil, nil, errors.New("the inventory is empty; add devices with `tasmotactl discover --save` or `tasmotactl fleet add`")
	}
	return reg, store, nil
}

func printBulk[T any](a *app, res *fleet.BulkOperationResult[T], format func(T) string) error {
	err := a.print(res, func() error {
		rows := make([][]string, 0, res.TotalDevices)
		for _, s := range res.Successful {
			rows = append(rows, []string{s.DeviceID, "ok", format(s.Result)})
		}
		for _, f := range res.Failed {
			rows = append(rows, []string{f.DeviceID, "failed", f.Error.UserFriendlyMessage()})
		}
		if err := a.table([]string{"DEVICE", "STATUS", "RESULT"}, rows); err != nil {
			return err
		}
		a.printf("\n%d of %d succeeded\n", res.SuccessCount, res.TotalDevices)
		return nil
	})
	if err != nil {
		return err
	}
	if res.FailureCount > 0 {
		return fmt.Errorf("%d of %d devices failed", res.FailureCount, res.TotalDevices)
	}
	return nil
}

func newFleetCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Operate on every device in the inventory",
	}
	cmd.AddCommand(
		newFleetListCmd(a),
		newFleetAddCmd(a),
		newFleetRemoveCmd(a),
		newFleetStatusCmd(a),
		newFleetPowerCmd(a),
		newFleetSendCmd(a),
		newFleetSnapshotCmd(a),
		newFleetWatchCmd(a),
		newFleetHistoryCmd(a),
	)
	return cmd
}

func newFleetListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List inventory devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openInventory()
			if err != nil {
				return err
			}
			devices := store.Manifest.Devices
			return a.print(devices, func() error {
				rows := make([][]string, 0, len(devices))
				for _, d := range devices {
					port := ""
					if d.Port != 0 {
						port = strconv.Itoa(d.Port)
					}
					seen := ""
					if !d.LastSeen.IsZero() {
						seen = d.LastSeen.Local().Format(time.DateTime)
					}
					rows = append(rows, []string{d.ID, d.Host, port, d.Name, d.Version, seen})
				}
				return a.table([]string{"ID", "HOST", "PORT", "NAME", "VERSION", "LAST SEEN"}, rows)
			})
		},
	}
}

func newFleetAddCmd(a *app) *cobra.Command {
	var (
		id     string
		port   int
		probe  bool
		commit bool
	)
	cmd := &cobra.Command{
		Use:   "add <host>",
		Short: "Add a device to the inventory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host := tasmota.NormalizeIPAddress(args[0])
			cfg, err := a.deviceConfig(host)
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Port = port
			}
			if err := tasmota.ValidateConfig(cfg); err != nil {
				return err
			}
			if id == "" {
				id = fleet.DeriveID(host)
			}

			store, err := a.openInventory()
			if err != nil {
				return err
			}
			if store.Manifest.GetDevice(id) != nil {
				return tasmota.ValidationError(fmt.Sprintf("device %q already in the inventory", id))
			}

			entry := inventory.Device{ID: id, Host: host, Port: port}
			if probe {
				d, err := tasmota.NewDevice(cfg, a.deviceOptions()...)
				if err != nil {
					return err
				}
				info, err := d.GetDeviceInfo(cmd.Context())
				d.Close()
				if err != nil {
					return err
				}
				entry.Hostname = info.Hostname
				entry.MACAddress = info.MACAddress
				entry.Version = info.Version
				if len(info.FriendlyName) > 0 {
					entry.Name = info.FriendlyName[0]
				}
				entry.LastSeen = time.Now().UTC()
			}

			store.Manifest.AddDevice(entry)
			if commit {
				if _, err := store.Commit("add " + id); err != nil {
					return err
				}
			} else if err := store.Save(); err != nil {
				return err
			}
			a.printf("added %s (%s)\n", id, host)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "device ID (derived from the host by default)")
	cmd.Flags().IntVar(&port, "port", 0, "HTTP port when not 80")
	cmd.Flags().BoolVar(&probe, "probe", true, "read device info before adding")
	cmd.Flags().BoolVar(&commit, "commit", false, "commit the inventory")
	return cmd
}

func newFleetRemoveCmd(a *app) *cobra.Command {
	var commit bool
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a device from the inventory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openInventory()
			if err != nil {
				return err
			}
			removed, err := store.RemoveDevice(args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("device %q is not in the inventory", args[0])
			}
			if commit {
				if _, err := store.Commit("remove " + args[0]); err != nil {
					return err
				}
			} else if err := store.Save(); err != nil {
				return err
			}
			a.printf("removed %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&commit, "commit", false, "commit the inventory")
	return cmd
}

func newFleetStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Ping every inventory device once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, _, err := a.loadRegistry(nil)
			if err != nil {
				return err
			}
			defer reg.Destroy()

			reg.CheckHealth(cmd.Context())
			entries := reg.List()

			type status struct {
				ID       string    `json:"id"`
				Host     string    `json:"host"`
				Online   bool      `json:"online"`
				LastSeen time.Time `json:"last_seen,omitempty"`
			}
			out := make([]status, 0, len(entries))
			for _, e := range entries {
				out = append(out, status{ID: e.ID, Host: e.Config.Host, Online: e.IsOnline, LastSeen: e.LastSeen})
			}

			return a.print(out, func() error {
				rows := make([][]string, 0, len(out))
				online := 0
				for _, s := range out {
					state := "offline"
					if s.Online {
						state = "online"
						online++
					}
					rows = append(rows, []string{s.ID, s.Host, state})
				}
				if err := a.table([]string{"ID", "HOST", "STATE"}, rows); err != nil {
					return err
				}
				a.printf("\n%d of %d online\n", online, len(out))
				return nil
			})
		},
	}
}

func newFleetPowerCmd(a *app) *cobra.Command {
	var (
		relay int
		ids   []string
	)
	cmd := &cobra.Command{
		Use:   "power <on|off|toggle|blink|blinkoff>",
		Short: "Switch a relay on every inventory device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command, err := parsePowerAction(args[0])
			if err != nil {
				return err
			}
			reg, _, err := a.loadRegistry(ids)
			if err != nil {
				return err
			}
			defer reg.Destroy()

			res := reg.SetPowerStateAll(cmd.Context(), command, relay)
			return printBulk(a, res, func(s tasmota.PowerState) string { return string(s) })
		},
	}
	cmd.Flags().IntVar(&relay, "relay", 1, "relay index (1-8)")
	cmd.Flags().StringSliceVar(&ids, "ids", nil, "limit to these device IDs")
	return cmd
}

func newFleetSendCmd(a *app) *cobra.Command {
	var ids []string
	cmd := &cobra.Command{
		Use:   "send <command>...",
		Short: "Send a raw console command to inventory devices",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, _, err := a.loadRegistry(nil)
			if err != nil {
				return err
			}
			defer reg.Destroy()

			command := strings.Join(args, " ")
			var res *fleet.BulkOperationResult[map[string]any]
			if len(ids) > 0 {
				res = reg.SendCommandToDevices(cmd.Context(), ids, command)
			} else {
				res = reg.SendCommandToAll(cmd.Context(), command)
			}
			return printBulk(a, res, func(data map[string]any) string { return fmt.Sprint(data) })
		},
	}
	cmd.Flags().StringSliceVar(&ids, "ids", nil, "limit to these device IDs")
	return cmd
}

func newFleetSnapshotCmd(a *app) *cobra.Command {
	var (
		ids    []string
		commit bool
	)
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Store the configuration of every device in the inventory",
		Long: "Reads Status 0 from every device and writes devices/<id>/device.yaml and " +
			"devices/<id>/status.json below the inventory. With --commit the result is " +
			"committed, so configuration drift shows up in `fleet history`.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, store, err := a.loadRegistry(ids)
			if err != nil {
				return err
			}
			defer reg.Destroy()

			res := reg.SendCommandToAll(cmd.Context(), "Status 0")
			now := time.Now().UTC()

			snapped := &fleet.BulkOperationResult[string]{TotalDevices: res.TotalDevices, Failed: res.Failed}
			for _, s := range res.Successful {
				info, err := tasmota.TransformToDeviceInfo(s.Result)
				if err == nil {
					err = store.Snapshots.Save(s.DeviceID, info, s.Result, now)
				}
				if err != nil {
					snapped.Failed = append(snapped.Failed, fleet.BulkFailure{DeviceID: s.DeviceID, Error: tasmota.AsError(err)})
					continue
				}
				if d := store.Manifest.GetDevice(s.DeviceID); d != nil {
					d.Hostname = info.Hostname
					d.MACAddress = info.MACAddress
					d.Version = info.Version
					d.LastSeen = now
				}
				snapped.Successful = append(snapped.Successful, fleet.BulkSuccess[string]{
					DeviceID: s.DeviceID,
					Result:   store.Snapshots.Path(s.DeviceID),
				})
			}
			snapped.SuccessCount = len(snapped.Successful)
			snapped.FailureCount = len(snapped.Failed)

			if commit {
				hash, err := store.Commit(fmt.Sprintf("snapshot: %d of %d devices", snapped.SuccessCount, snapped.TotalDevices))
				if err != nil {
					return err
				}
				if hash == "" {
					fmt.Fprintln(a.errOut, "no configuration changes")
				}
			} else if err := store.Save(); err != nil {
				return err
			}

			return printBulk(a, snapped, func(path string) string { return path })
		},
	}
	cmd.Flags().StringSliceVar(&ids, "ids", nil, "limit to these device IDs")
	cmd.Flags().BoolVar(&commit, "commit", false, "commit the snapshots")
	return cmd
}

func newFleetWatchCmd(a *app) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the health check and print devices going online or offline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, _, err := a.loadRegistry(nil)
			if err != nil {
				return err
			}
			defer reg.Destroy()

			if interval == 0 {
				interval = a.cfg.Health.Interval
			}

			reg.Subscribe(func(ev fleet.Event) {
				if ev.Type != fleet.EventDeviceOnline && ev.Type != fleet.EventDeviceOffline {
					return
				}
				if a.wantJSON() {
					_ = a.printJSON(map[string]any{
						"time":   time.Now().UTC(),
						"event":  ev.Type,
						"device": ev.DeviceID,
						"host":   ev.Entry.Config.Host,
					})
					return
				}
				a.printf("%s  %-14s %s (%s)\n", time.Now().Format(time.TimeOnly), ev.Type, ev.DeviceID, ev.Entry.Config.Host)
			})

			ctx := cmd.Context()
			reg.CheckHealth(ctx)
			reg.StartHealthCheck(interval)
			fmt.Fprintf(a.errOut, "watching %d devices every %s, press Ctrl+C to stop\n", reg.Len(), interval)

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "health check interval (default from config, 1m)")
	return cmd
}

func newFleetHistoryCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show inventory commits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openInventory()
			if err != nil {
				return err
			}
			commits, err := store.History(limit)
			if err != nil {
				return err
			}

			type entry struct {
				Hash    string    `json:"hash"`
				When    time.Time `json:"when"`
				Message string    `json:"message"`
			}
			out := make([]entry, 0, len(commits))
			for _, c := range commits {
				out = append(out, entry{Hash: c.Hash.String(), When: c.Author.When, Message: strings.TrimSpace(c.Message)})
			}
			return a.print(out, func() error {
				rows := make([][]string, 0, len(out))
				for _, e := range out {
					rows = append(rows, []string{e.Hash[:8], e.When.Local().Format(time.DateTime), e.Message})
				}
				return a.table([]string{"COMMIT", "DATE", "MESSAGE"}, rows)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of commits (0 for all)")
	return cmd
}
