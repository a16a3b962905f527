package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// Plugin commands
var pluginCmd = &cobra.Command{
	Use:   "plugin",
	Short: "Manage plugins",
}

// pluginArgs splits NAME VERSION or NAME:VERSION
func pluginArgs(args []string) (string, string, error) {
	switch len(args) {
	case 1:
		name, version, ok := strings.Cut(args[0], ":")
		if !ok || name == "" || version == "" {
			return "", "", fmt.Errorf("expected NAME:VERSION, got %q", args[0])
		}
		return name, version, nil
	case 2:
		return args[0], args[1], nil
	}
	return "", "", fmt.Errorf("expected NAME VERSION")
}

var pluginInstallCmd = &cobra.Command{
	Use:   "install NAME VERSION",
	Short: "Install a plugin version from the node's plugin directory",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, version, err := pluginArgs(args)
		if err != nil {
			return err
		}
		ifNotExists, _ := cmd.Flags().GetBool("if-not-exists")
		migrate, _ := cmd.Flags().GetBool("migrate")

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.InstallPlugin(name, version, ifNotExists, migrate); err != nil {
			return err
		}
		fmt.Printf("✓ Plugin %s:%s installed\n", name, version)
		return nil
	},
}

var pluginRemoveCmd = &cobra.Command{
	Use:   "remove NAME VERSION",
	Short: "Remove a disabled plugin version",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, version, err := pluginArgs(args)
		if err != nil {
			return err
		}
		dropData, _ := cmd.Flags().GetBool("drop-data")

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.RemovePlugin(name, version, dropData); err != nil {
			return err
		}
		fmt.Printf("✓ Plugin %s:%s removed\n", name, version)
		return nil
	},
}

var pluginEnableCmd = &cobra.Command{
	Use:   "enable NAME VERSION",
	Short: "Enable a plugin version on every node of its tiers",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, version, err := pluginArgs(args)
		if err != nil {
			return err
		}
		onStart, _ := cmd.Flags().GetDuration("on-start-timeout")

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.EnablePlugin(name, version, onStart); err != nil {
			return err
		}
		fmt.Printf("✓ Plugin %s:%s enabled\n", name, version)
		return nil
	},
}

var pluginDisableCmd = &cobra.Command{
	Use:   "disable NAME VERSION",
	Short: "Disable a plugin version",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, version, err := pluginArgs(args)
		if err != nil {
			return err
		}
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.DisablePlugin(name, version); err != nil {
			return err
		}
		fmt.Printf("✓ Plugin %s:%s disabled\n", name, version)
		return nil
	},
}

var pluginListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed plugins",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		plugins, err := c.ListPlugins()
		if err != nil {
			return err
		}
		fmt.Printf("%-24s %-12s %-8s %s\n", "NAME", "VERSION", "ENABLED", "SERVICES")
		for _, p := range plugins {
			fmt.Printf("%-24s %-12s %-8t %s\n", p.Name, p.Version, p.Enabled, strings.Join(p.Services, ","))
		}
		return nil
	},
}

var pluginShowCmd = &cobra.Command{
	Use:   "show NAME VERSION",
	Short: "Show a plugin version with its services",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, version, err := pluginArgs(args)
		if err != nil {
			return err
		}
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		info, err := c.GetPlugin(name, version)
		if err != nil {
			return err
		}
		fmt.Printf("Plugin:      %s:%s\n", info.Plugin.Name, info.Plugin.Version)
		fmt.Printf("Enabled:     %t\n", info.Plugin.Enabled)
		fmt.Printf("Description: %s\n", info.Plugin.Description)
		fmt.Printf("Migrations:  %s (%d files)\n", info.Migrations, len(info.Plugin.Migrations))
		fmt.Println()
		fmt.Printf("%-24s %s\n", "SERVICE", "TIERS")
		for _, svc := range info.Services {
			fmt.Printf("%-24s %s\n", svc.Name, strings.Join(svc.Tiers, ","))
		}
		return nil
	},
}

var pluginTierCmd = &cobra.Command{
	Use:   "tier",
	Short: "Assign plugin services to tiers",
}

var pluginTierAppendCmd = &cobra.Command{
	Use:   "append NAME VERSION SERVICE TIER",
	Short: "Run a service on the nodes of a tier",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.AppendTier(args[0], args[1], args[2], args[3]); err != nil {
			return err
		}
		fmt.Printf("✓ Service %s of %s:%s assigned to tier %s\n", args[2], args[0], args[1], args[3])
		return nil
	},
}

var pluginTierRemoveCmd = &cobra.Command{
	Use:   "remove NAME VERSION SERVICE TIER",
	Short: "Stop running a service on the nodes of a tier",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.RemoveTier(args[0], args[1], args[2], args[3]); err != nil {
			return err
		}
		fmt.Printf("✓ Service %s of %s:%s removed from tier %s\n", args[2], args[0], args[1], args[3])
		return nil
	},
}

func init() {
	pluginCmd.AddCommand(pluginInstallCmd)
	pluginCmd.AddCommand(pluginRemoveCmd)
	pluginCmd.AddCommand(pluginEnableCmd)
	pluginCmd.AddCommand(pluginDisableCmd)
	pluginCmd.AddCommand(pluginListCmd)
	pluginCmd.AddCommand(pluginShowCmd)
	pluginCmd.AddCommand(pluginTierCmd)
	pluginTierCmd.AddCommand(pluginTierAppendCmd)
	pluginTierCmd.AddCommand(pluginTierRemoveCmd)

	pluginInstallCmd.Flags().Bool("if-not-exists", false, "Succeed if the version is already installed")
	pluginInstallCmd.Flags().Bool("migrate", false, "Apply the plugin migrations after install")
	pluginRemoveCmd.Flags().Bool("drop-data", false, "Roll back the plugin migrations before removing")
	pluginEnableCmd.Flags().Duration("on-start-timeout", 0, "Bound of the first start on every node")
}
