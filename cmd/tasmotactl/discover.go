package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/darkermage/tasmota-fleet/internal/discovery"
	"github.com/darkermage/tasmota-fleet/internal/fleet"
	"github.com/darkermage/tasmota-fleet/internal/inventory"
)

func (a *app) openInventory() (*inventory.Store, error) {
	return inventory.Open(a.cfg.Inventory.Path, inventory.Author{
		Name:  a.cfg.Inventory.AuthorName,
		Email: a.cfg.Inventory.AuthorEmail,
	})
}

func newDiscoverCmd(a *app) *cobra.Command {
	var (
		ips         []string
		start, end  int
		concurrency int
		probeMS     int
		save        bool
		commit      bool
		quiet       bool
	)

	cmd := &cobra.Command{
		Use:   "discover [network]",
		Short: "Scan a /24 network or a list of addresses for Tasmota devices",
		Example: "  tasmotactl discover 192.168.1.0/24\n" +
			"  tasmotactl discover --ips 10.0.0.5,10.0.0.9 --save --commit",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := discovery.Options{
				IPAddresses: ips,
				Network:     a.cfg.Discovery.Network,
				StartIP:     a.cfg.Discovery.StartIP,
				EndIP:       a.cfg.Discovery.EndIP,
				Concurrency: a.cfg.Discovery.Concurrency,
				Timeout:     a.cfg.Discovery.Timeout,
			}
			if len(args) == 1 {
				opts.Network = args[0]
			}
			if cmd.Flags().Changed("start") {
				opts.StartIP = start
			}
			if cmd.Flags().Changed("end") {
				opts.EndIP = end
			}
			if cmd.Flags().Changed("concurrency") {
				opts.Concurrency = concurrency
			}
			if cmd.Flags().Changed("probe-timeout") {
				opts.Timeout = msToDuration(probeMS)
			}
			creds, err := a.creds.LoadOrEmpty()
			if err != nil {
				return err
			}
			opts.Username, opts.Password = creds.Username, creds.Password
			if a.cfg.Device.Username != "" {
				opts.Username, opts.Password = a.cfg.Device.Username, a.cfg.Device.Password
			}

			scanner := discovery.NewScanner(discovery.WithLogger(a.logger))
			defer scanner.Close()

			if !quiet && !a.wantJSON() {
				scanner.Subscribe(func(ev discovery.Event) {
					switch ev.Type {
					case discovery.EventDeviceFound:
						fmt.Fprintf(a.errOut, "found %s (%s)\n", ev.Device.IPAddress, ev.Device.FriendlyName)
					case discovery.EventScanProgress:
						if ev.Progress.Scanned%25 == 0 || ev.Progress.Scanned == ev.Progress.Total {
							fmt.Fprintf(a.errOut, "scanned %d/%d\n", ev.Progress.Scanned, ev.Progress.Total)
						}
					}
				})
			}

			ctx := cmd.Context()
			stop := context.AfterFunc(ctx, scanner.StopScan)
			defer stop()

			result, err := scanner.Discover(ctx, opts)
			if err != nil {
				return err
			}

			if save || commit {
				if err := a.saveDiscovered(result, commit); err != nil {
					return err
				}
			}

			return a.print(result, func() error {
				rows := make([][]string, 0, len(result.Devices))
				for _, d := range result.Devices {
					rows = append(rows, []string{d.IPAddress, d.Hostname, d.FriendlyName, d.Version, d.Module, d.MACAddress})
				}
				if err := a.table([]string{"IP", "HOSTNAME", "NAME", "VERSION", "MODULE", "MAC"}, rows); err != nil {
					return err
				}
				for _, e := range result.Errors {
					fmt.Fprintf(a.errOut, "error: %s: %s\n", e.IP, e.Error)
				}
				a.printf("\nscanned %d, found %d in %s", result.TotalScanned, result.TotalFound, result.Duration.Round(time.Millisecond))
				if result.Aborted {
					a.printf(" (aborted)")
				}
				a.printf("\n")
				return nil
			})
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVar(&ips, "ips", nil, "explicit addresses to probe instead of a network")
	flags.IntVar(&start, "start", 1, "first host octet of the network range")
	flags.IntVar(&end, "end", 254, "last host octet of the network range")
	flags.IntVar(&concurrency, "concurrency", discovery.DefaultConcurrency, "probes per batch (max 100)")
	flags.IntVar(&probeMS, "probe-timeout", int(discovery.DefaultTimeout.Milliseconds()), "per probe timeout in milliseconds")
	flags.BoolVar(&save, "save", false, "merge found devices into the inventory")
	flags.BoolVar(&commit, "commit", false, "save and commit the inventory (implies --save)")
	flags.BoolVarP(&quiet, "quiet", "q", false, "do not print progress")
	return cmd
}

func (a *app) saveDiscovered(result *discovery.Result, commit bool) error {
	store, err := a.openInventory()
	if err != nil {
		return err
	}

	added, updated := store.Manifest.MergeDiscovered(result.Devices, time.Now().UTC(), fleet.DeriveID)
	if err := store.Save(); err != nil {
		return err
	}
	fmt.Fprintf(a.errOut, "inventory: %d added, %d updated\n", added, updated)

	if !commit {
		return nil
	}
	hash, err := store.Commit(fmt.Sprintf("discover: %d found, %d added, %d updated (scan %s)",
		result.TotalFound, added, updated, result.ScanID))
	if err != nil {
		return err
	}
	if hash != "" {
		fmt.Fprintf(a.errOut, "inventory committed %s\n", hash[:8])
	}
	return nil
}
