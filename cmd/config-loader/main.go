package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/Lllllllleong/casedocumentflow/internal/config"
	"github.com/Lllllllleong/casedocumentflow/internal/models"
	"github.com/Lllllllleong/casedocumentflow/internal/services"
	"github.com/spf13/cobra"
)

// configStore is the part of the Firestore config store the commands use.
type configStore interface {
	Load(ctx context.Context, name string) (*models.WorkflowConfig, error)
	Save(ctx context.Context, cfg *models.WorkflowConfig) error
}

var rootCmd = &cobra.Command{
	Use:   "config-loader",
	Short: "Manage case workflow configurations in Firestore",
	Long: "config-loader writes workflow configurations (document requirements and\n" +
		"stage sequences) to the collection the orchestrator reads them from.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
}

// openStore is replaced in tests.
var openStore = func(ctx context.Context) (configStore, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(cfg.NewLogger())
	return services.NewConfigStore(ctx, cfg)
}

func init() {
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(showCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
