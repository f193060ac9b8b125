package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/Lllllllleong/casedocumentflow/internal/workflow"
	"github.com/spf13/cobra"
)

var loadFlags struct {
	file   string
	dryRun bool
}

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Validate a YAML or JSON file of workflow configurations and store them",
	RunE:  runLoad,
}

func init() {
	f := loadCmd.Flags()
	f.StringVar(&loadFlags.file, "file", "", "Path to a .yaml, .yml or .json file (required)")
	f.BoolVar(&loadFlags.dryRun, "dry-run", false, "Validate only; do not write to Firestore")

	_ = loadCmd.MarkFlagRequired("file")
}

func runLoad(cmd *cobra.Command, _ []string) error {
	data, err := os.ReadFile(loadFlags.file)
	if err != nil {
		return fmt.Errorf("read %s: %w", loadFlags.file, err)
	}
	configs, err := workflow.ParseConfigs(data, loadFlags.file)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if loadFlags.dryRun {
		for _, c := range configs {
			fmt.Fprintf(out, "valid: %s (%d stages, %d document types)\n", c.Name, len(c.WorkflowSequence), len(c.MinRequiredDocuments))
		}
		return nil
	}

	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	for i := range configs {
		if err := store.Save(cmd.Context(), &configs[i]); err != nil {
			return err
		}
		slog.Info("Workflow configuration saved.", "name", configs[i].Name)
		fmt.Fprintf(out, "saved: %s\n", configs[i].Name)
	}
	return nil
}
