package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Config commands
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read and update plugin service configuration",
}

var configGetCmd = &cobra.Command{
	Use:   "get NAME VERSION SERVICE",
	Short: "Print the committed configuration of a service",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		cfg, err := c.GetConfig(args[0], args[1], args[2])
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(cfg.Values)
		if err != nil {
			return err
		}
		fmt.Printf("# revision %d\n%s", cfg.Revision, out)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set NAME VERSION SERVICE [KEY=VALUE...]",
	Short: "Merge values into the configuration of a service",
	Long: `Merge values into the configuration of a service.

Values are YAML scalars or documents. Keys not named keep their committed
value. The new configuration is validated by the service before commit.

Examples:
  hutch config set weather 0.1.0 forecast city=Berlin days=5
  hutch config set weather 0.1.0 forecast -f forecast.yaml`,
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := configValues(cmd, args[3:])
		if err != nil {
			return err
		}
		if len(values) == 0 {
			return fmt.Errorf("no values given")
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		cfg, err := c.UpdateConfig(args[0], args[1], args[2], values)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Configuration of %s updated (revision %d)\n", args[2], cfg.Revision)
		return nil
	},
}

// configValues reads the values file, then applies KEY=VALUE pairs over it
func configValues(cmd *cobra.Command, pairs []string) (map[string]any, error) {
	values := make(map[string]any)
	if file, _ := cmd.Flags().GetString("file"); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %v", err)
		}
		if err := yaml.Unmarshal(data, &values); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %v", err)
		}
	}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected KEY=VALUE, got %q", pair)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("invalid value for %s: %v", key, err)
		}
		values[key] = v
	}
	return values, nil
}

func init() {
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configSetCmd.Flags().StringP("file", "f", "", "YAML file with values")
}
