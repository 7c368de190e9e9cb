/*
 * Copyright 2025 Shoal Contributors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Command shoal orchestrates a fleet of SSH-reachable participant devices
// for distributed inference experiments.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/shoal-run/shoal/pkg/config"
	"github.com/shoal-run/shoal/pkg/fleet"
	"github.com/shoal-run/shoal/pkg/logger"
	"github.com/shoal-run/shoal/pkg/models"
	"github.com/shoal-run/shoal/pkg/readiness"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "shoal: %v\n", err)
		os.Exit(1)
	}
}

type app struct {
	cfg      config.Config
	log      logger.Logger
	registry *fleet.Registry
}

func run() error {
	var configPath string

	a := &app{}

	root := &cobra.Command{
		Use:           "shoal",
		Short:         "Fleet controller for distributed inference testbeds",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			log, err := logger.New(cfg.Logging)
			if err != nil {
				return err
			}

			a.cfg = cfg
			a.log = log
			a.registry = fleet.NewRegistry(cfg, log)

			return nil
		},
	}

	defaultConfig := ""
	if home, err := os.UserHomeDir(); err == nil {
		defaultConfig = home + "/.shoal/config.json"
	}

	root.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "path to the controller config file")

	root.AddCommand(a.setupCmd(), a.deviceCmd(), a.lanCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return root.ExecuteContext(ctx)
}

func (a *app) setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Initialize the controller's config directory and roster",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.registry.InitRoster(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "controller roster ready at %s\n", a.cfg.RosterPath)

			return nil
		},
	}
}

func (a *app) deviceCmd() *cobra.Command {
	device := &cobra.Command{
		Use:   "device",
		Short: "Manage fleet devices",
	}

	device.AddCommand(a.deviceAddCmd(), a.deviceRemoveCmd(), a.deviceLsCmd(), a.deviceStatusCmd())

	return device
}

func (a *app) deviceAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add NAME",
		Short: "Add a device by its ~/.ssh/config alias",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.registry.Load(cmd.Context()); err != nil {
				return err
			}

			rec, err := a.registry.Add(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s)\n", rec.Name, rec.UUID)

			return nil
		},
	}
}

func (a *app) deviceRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove NAME",
		Short: "Remove a device from the roster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.registry.Load(cmd.Context()); err != nil {
				return err
			}

			if err := a.registry.Remove(args[0]); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])

			return nil
		},
	}
}

func (a *app) deviceLsCmd() *cobra.Command {
	var filterArgs []string

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List roster devices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.registry.Load(cmd.Context()); err != nil {
				return err
			}

			filters, err := parseFilters(filterArgs)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tUUID\tHOST\tREACHABLE\tSTATE")

			for _, rec := range a.registry.Filter(filters...) {
				host := rec.Net.Hostname
				if host == "" {
					host = rec.Net.LastIP
				}

				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n",
					rec.Name, rec.UUID, host, rec.Flags.Reachable.OK, rec.State)
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringArrayVar(&filterArgs, "filter", nil, "filter devices by key=value (name, user, host, uuid, reachable, configured, software_ready, confirmed)")

	return cmd
}

func (a *app) deviceStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [NAME]",
		Short: "Run the readiness check pipeline against one or all devices",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.registry.Load(cmd.Context()); err != nil {
				return err
			}

			devices := a.registry.Devices()

			if len(args) == 1 {
				rec, err := a.registry.Get(args[0])
				if err != nil {
					return err
				}

				devices = []*models.DeviceRecord{rec}
			}

			classifier := a.classifier()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tREACHABLE\tAUTH\tCONFIG\tIDENTITY\tSOFTWARE\tREADY")

			// Per-device failures become rows, not aborts.
			for _, rec := range devices {
				report, err := classifier.Classify(cmd.Context(), rec, statusHost(rec))
				if err != nil {
					fmt.Fprintf(w, "%s\terror: %v\n", rec.Name, err)
					continue
				}

				fmt.Fprintf(w, "%s\t%t\t%t\t%t\t%t\t%t\t%t\n",
					rec.Name, report.Reachable, report.Authenticated, report.ConfigDirPresent,
					report.IdentityConfirmed, report.SoftwareReady, report.Ready())
			}

			if err := w.Flush(); err != nil {
				return err
			}

			return a.registry.Save()
		},
	}
}

func (a *app) lanCmd() *cobra.Command {
	lan := &cobra.Command{
		Use:   "lan",
		Short: "LAN discovery",
	}

	var cidr string

	scan := &cobra.Command{
		Use:   "scan",
		Short: "Sweep the LAN for hosts answering on the SSH port",
		RunE: func(cmd *cobra.Command, _ []string) error {
			results, err := a.registry.Scan(cmd.Context(), cidr)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "IP\tMAC\tHOSTNAME")

			for _, res := range results {
				fmt.Fprintf(w, "%s\t%s\t%s\n", res.IP, res.MAC, res.Hostname)
			}

			return w.Flush()
		},
	}

	scan.Flags().StringVar(&cidr, "cidr", "", "CIDR block to sweep (defaults to the configured LAN)")

	lan.AddCommand(scan)

	return lan
}

// classifier wires the readiness pipeline. When a scripts directory is
// configured the software stage runs the participant validation scripts;
// otherwise it passes vacuously.
func (a *app) classifier() *readiness.Classifier {
	var software readiness.SoftwareCheck

	if a.cfg.ScriptsDir != "" {
		scripts := readiness.Scripts{Dir: a.cfg.ScriptsDir}

		software = func(ctx context.Context, rec *models.DeviceRecord, _ fleet.DeviceSession) bool {
			result, err := scripts.ValidateParticipantSetup(ctx, rec.Name, statusHost(rec))
			if err != nil {
				a.log.Warn().Err(err).Str("device", rec.Name).Msg("software validation failed to run")
				return false
			}

			return result.AllSet()
		}
	}

	return readiness.NewClassifier(
		a.registry.Prober(), a.registry.Reconciler(), a.registry.SessionFor,
		a.cfg.SSHPort, a.cfg.ProbeTimeout.AsDuration(), software, a.log)
}

func statusHost(rec *models.DeviceRecord) string {
	switch {
	case rec.Net.StaticIP != "":
		return rec.Net.StaticIP
	case rec.Net.Hostname != "":
		return rec.Net.Hostname
	default:
		return rec.Net.LastIP
	}
}

func parseFilters(args []string) ([]fleet.Filter, error) {
	filters := make([]fleet.Filter, 0, len(args))

	for _, arg := range args {
		key, value, found := strings.Cut(arg, "=")
		if !found {
			return nil, fmt.Errorf("%w: %q is not key=value", models.ErrInvalidFilterKey, arg)
		}

		f, err := fleet.ParseFilter(key, value)
		if err != nil {
			return nil, err
		}

		filters = append(filters, f)
	}

	return filters, nil
}
