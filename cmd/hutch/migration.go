package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Migration commands
var migrationCmd = &cobra.Command{
	Use:   "migration",
	Short: "Apply and roll back plugin migrations",
}

var migrationUpCmd = &cobra.Command{
	Use:   "up NAME VERSION",
	Short: "Apply the pending migrations of a plugin version",
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

		if err := c.MigrateUp(name, version); err != nil {
			return err
		}
		fmt.Printf("✓ Migrations of %s:%s applied\n", name, version)
		return nil
	},
}

var migrationDownCmd = &cobra.Command{
	Use:   "down NAME VERSION",
	Short: "Roll back the migrations of a plugin version",
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

		if err := c.MigrateDown(name, version); err != nil {
			return err
		}
		fmt.Printf("✓ Migrations of %s:%s rolled back\n", name, version)
		return nil
	},
}

var migrationStatusCmd = &cobra.Command{
	Use:   "status NAME VERSION",
	Short: "Show the migration state of a plugin version",
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

		state, err := c.MigrationStatus(name, version)
		if err != nil {
			return err
		}
		fmt.Println(state)
		return nil
	},
}

func init() {
	migrationCmd.AddCommand(migrationUpCmd)
	migrationCmd.AddCommand(migrationDownCmd)
	migrationCmd.AddCommand(migrationStatusCmd)
}
