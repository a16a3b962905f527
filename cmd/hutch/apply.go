package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/cuemby/hutch/pkg/client"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a plugin declaration file",
	Long: `Apply plugin declarations from a YAML file.

Each document declares one plugin version: whether its migrations are
applied, the tiers and configuration of its services and whether it is
enabled. Applying the same file twice changes nothing.

Example:
  kind: Plugin
  metadata:
    name: weather
  spec:
    version: 0.1.0
    migrate: true
    enabled: true
    services:
      forecast:
        tiers: [storage]
        config:
          city: Berlin`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// Resource is one declaration of an applied file
type Resource struct {
	Kind     string           `yaml:"kind"`
	Metadata ResourceMetadata `yaml:"metadata"`
	Spec     PluginSpec       `yaml:"spec"`
}

type ResourceMetadata struct {
	Name string `yaml:"name"`
}

// PluginSpec is the desired state of a plugin version
type PluginSpec struct {
	Version  string                 `yaml:"version"`
	Migrate  bool                   `yaml:"migrate"`
	Enabled  *bool                  `yaml:"enabled"`
	Services map[string]ServiceSpec `yaml:"services"`
}

// ServiceSpec is the desired state of a plugin service
type ServiceSpec struct {
	Tiers  []string       `yaml:"tiers"`
	Config map[string]any `yaml:"config"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}
	defer f.Close()

	var resources []Resource
	dec := yaml.NewDecoder(f)
	for {
		var r Resource
		err := dec.Decode(&r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to parse YAML: %v", err)
		}
		resources = append(resources, r)
	}

	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	for i := range resources {
		r := &resources[i]
		switch r.Kind {
		case "Plugin":
			if err := applyPlugin(c, r); err != nil {
				return fmt.Errorf("plugin %s: %w", r.Metadata.Name, err)
			}
		default:
			return fmt.Errorf("unsupported resource kind: %s", r.Kind)
		}
	}
	return nil
}

func applyPlugin(c *client.Client, r *Resource) error {
	name, spec := r.Metadata.Name, r.Spec
	if name == "" || spec.Version == "" {
		return fmt.Errorf("metadata.name and spec.version are required")
	}

	if err := c.InstallPlugin(name, spec.Version, true, spec.Migrate); err != nil {
		return fmt.Errorf("failed to install: %v", err)
	}
	fmt.Printf("✓ Plugin installed: %s:%s\n", name, spec.Version)
	if spec.Migrate {
		fmt.Printf("✓ Migrations applied: %s:%s\n", name, spec.Version)
	}

	info, err := c.GetPlugin(name, spec.Version)
	if err != nil {
		return err
	}

	current := make(map[string][]string, len(info.Services))
	for _, svc := range info.Services {
		current[svc.Name] = svc.Tiers
	}
	services := make([]string, 0, len(spec.Services))
	for svc := range spec.Services {
		services = append(services, svc)
	}
	sort.Strings(services)

	for _, svc := range services {
		want := spec.Services[svc]
		have, ok := current[svc]
		if !ok {
			return fmt.Errorf("service %s is not declared by the plugin", svc)
		}
		if want.Tiers != nil {
			for _, t := range want.Tiers {
				if !contains(have, t) {
					if err := c.AppendTier(name, spec.Version, svc, t); err != nil {
						return fmt.Errorf("failed to assign %s to tier %s: %v", svc, t, err)
					}
					fmt.Printf("✓ Service %s assigned to tier %s\n", svc, t)
				}
			}
			for _, t := range have {
				if !contains(want.Tiers, t) {
					if err := c.RemoveTier(name, spec.Version, svc, t); err != nil {
						return fmt.Errorf("failed to remove %s from tier %s: %v", svc, t, err)
					}
					fmt.Printf("✓ Service %s removed from tier %s\n", svc, t)
				}
			}
		}
		if len(want.Config) > 0 {
			cfg, err := c.UpdateConfig(name, spec.Version, svc, want.Config)
			if err != nil {
				return fmt.Errorf("failed to configure %s: %v", svc, err)
			}
			fmt.Printf("✓ Service %s configured (revision %d)\n", svc, cfg.Revision)
		}
	}

	if spec.Enabled == nil || *spec.Enabled == info.Plugin.Enabled {
		return nil
	}
	if *spec.Enabled {
		if err := c.EnablePlugin(name, spec.Version, 0); err != nil {
			return err
		}
		fmt.Printf("✓ Plugin enabled: %s:%s\n", name, spec.Version)
		return nil
	}
	if err := c.DisablePlugin(name, spec.Version); err != nil {
		return err
	}
	fmt.Printf("✓ Plugin disabled: %s:%s\n", name, spec.Version)
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
