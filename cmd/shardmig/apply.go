package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shardmig/shardmig/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Submit a migration from a YAML file",
	Long: `Submit a migration request from a YAML manifest.

Examples:
  # Admit a migration (plans it, leaves it pending)
  shardmig apply -f migration.yaml

  # Admit and start immediately
  shardmig apply -f migration.yaml --start`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	applyCmd.Flags().Bool("start", false, "Start the migration after admission")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// Manifest is the YAML envelope of a migration request.
type Manifest struct {
	APIVersion string                 `yaml:"apiVersion"`
	Kind       string                 `yaml:"kind"`
	Metadata   ManifestMetadata       `yaml:"metadata"`
	Spec       types.MigrationRequest `yaml:"spec"`
}

type ManifestMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	start, _ := cmd.Flags().GetBool("start")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("failed to parse YAML: %v", err)
	}
	if manifest.Kind != "Migration" {
		return fmt.Errorf("unsupported resource kind: %s", manifest.Kind)
	}

	req := manifest.Spec
	if req.Name == "" {
		req.Name = manifest.Metadata.Name
	}
	if req.IdempotencyKey == "" {
		// The manifest name doubles as the idempotency key, so applying
		// the same file twice returns the same migration.
		req.IdempotencyKey = req.Name
	}

	c := apiClient(cmd)
	m, err := c.Submit(&req)
	if err != nil {
		return fmt.Errorf("failed to submit migration: %v", err)
	}
	fmt.Printf("✓ Migration admitted: %s (ID: %s, state: %s)\n", m.Name, m.ID, m.State)

	if start {
		if err := c.Start(m.ID); err != nil {
			return fmt.Errorf("failed to start migration: %v", err)
		}
		fmt.Printf("✓ Migration started: %s\n", m.ID)
	}
	return nil
}
