package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-records/pkg/database"
	"github.com/ekaya-inc/ekaya-records/pkg/repositories"
	"github.com/ekaya-inc/ekaya-records/pkg/schema"
)

var (
	seedTenant string
	seedFile   string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create entity definitions for a tenant from a YAML file",
	Long: `Seed reads entity definitions and their fields from a YAML file and
creates them for one tenant in a single transaction. Definitions that
already exist by name are skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, err := uuid.Parse(seedTenant)
		if err != nil {
			return fmt.Errorf("invalid --tenant: %w", err)
		}
		file, err := schema.LoadSeedFile(seedFile)
		if err != nil {
			return err
		}

		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx := cmd.Context()
		logDatabaseTarget(logger, cfg)
		db, err := database.NewConnection(ctx, databaseConfig(cfg))
		if err != nil {
			return err
		}
		defer db.Close()

		result, err := seed(ctx, db, tenantID, file, logger)
		if err != nil {
			return err
		}
		logger.Info("Seed complete",
			zap.String("tenant_id", tenantID.String()),
			zap.Strings("created", result.Created),
			zap.Strings("skipped", result.Skipped))
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedTenant, "tenant", "", "tenant ID to seed (required)")
	seedCmd.Flags().StringVar(&seedFile, "file", "", "YAML seed file (required)")
	_ = seedCmd.MarkFlagRequired("tenant")
	_ = seedCmd.MarkFlagRequired("file")
}

func seed(ctx context.Context, db *database.DB, tenantID uuid.UUID, file *schema.SeedFile, logger *zap.Logger) (*schema.SeedResult, error) {
	scope, err := db.WithTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire tenant connection: %w", err)
	}
	defer scope.Close()

	seeder := schema.NewSeeder(repositories.NewEntityDefinitionRepository(), logger)

	var result *schema.SeedResult
	err = database.InTx(database.SetTenantScope(ctx, scope), func(ctx context.Context) error {
		var err error
		result, err = seeder.Seed(ctx, tenantID, file)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
