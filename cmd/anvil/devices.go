package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/anvil/internal/config"
	"github.com/haasonsaas/anvil/internal/devices"
)

// buildDevicesCmd creates the "devices" command group for managing the
// remote-execution registry.
func buildDevicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Manage remote execution devices",
	}
	cmd.AddCommand(
		buildDevicesAddCmd(),
		buildDevicesListCmd(),
		buildDevicesRemoveCmd(),
		buildDevicesGroupCmd(),
	)
	return cmd
}

// openRegistry resolves the registry path from the project config and
// opens it.
func openRegistry() (*devices.Registry, error) {
	workDir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(config.ConfigPath(workDir))
	if err != nil {
		return nil, err
	}
	return devices.Open(config.ResolvePaths(workDir, cfg).Devices)
}

func buildDevicesAddCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "add <name> <user@host>",
		Short: "Register a device",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := devices.ParseTarget(args[1])
			if err != nil {
				return &usageError{err}
			}
			d.Name = args[0]
			if port > 0 {
				d.Port = port
			}
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()
			if err := reg.Add(cmd.Context(), d); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s)\n", d.Name, d.Addr())
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "SSH port (default 22)")
	return cmd
}

func buildDevicesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered devices and groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()

			devs, err := reg.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(devs) == 0 {
				fmt.Fprintln(out, "no devices registered")
				return nil
			}
			for _, d := range devs {
				fmt.Fprintf(out, "%s\t%s\tport %d\n", d.Name, d.Addr(), d.Port)
			}

			groups, err := reg.Groups(cmd.Context())
			if err != nil {
				return err
			}
			if len(groups) > 0 {
				names := make([]string, 0, len(groups))
				for name := range groups {
					names = append(names, name)
				}
				sort.Strings(names)
				fmt.Fprintln(out, "\ngroups:")
				for _, name := range names {
					fmt.Fprintf(out, "%s\t%s\n", name, strings.Join(groups[name], ", "))
				}
			}
			return nil
		},
	}
}

func buildDevicesRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a device and its group memberships",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()
			if err := reg.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}

func buildDevicesGroupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage device groups",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <group> <device>",
			Short: "Add a device to a group",
			Args:  exactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				reg, err := openRegistry()
				if err != nil {
					return err
				}
				defer reg.Close()
				if err := reg.AddToGroup(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %s to %s\n", args[1], args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "remove <group> <device>",
			Short: "Remove a device from a group",
			Args:  exactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				reg, err := openRegistry()
				if err != nil {
					return err
				}
				defer reg.Close()
				if err := reg.RemoveFromGroup(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s from %s\n", args[1], args[0])
				return nil
			},
		},
	)
	return cmd
}
