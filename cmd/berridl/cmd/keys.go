package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/berridl/berridl/internal/database"
	"github.com/berridl/berridl/internal/models"
	"github.com/berridl/berridl/internal/repository"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List cached decryption keys",
	Long:  `Keys lists the contents of the local key vault, grouped by DRM source.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, err := database.Open(cfg.Storage.KeyVault, log)
		if err != nil {
			return fmt.Errorf("opening key vault: %w", err)
		}
		if err := db.AutoMigrate(&models.KeyEntry{}); err != nil {
			return err
		}
		vault := repository.NewKeyRepository(db.DB)

		sources := []models.DRMType{
			models.DRMWidevine,
			models.DRMPlayReady,
			models.DRMWatoraWidevine,
			models.DRMRemoteWidevine,
			models.DRMRemotePlayReady,
		}
		total := 0
		for _, src := range sources {
			entries, err := vault.ListByDRM(cmd.Context(), src)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				continue
			}
			fmt.Printf("[%s]\n", src)
			for _, e := range entries {
				value, err := models.DecodeVaultValue(models.ValueType(e.ValueType), e.ValueData)
				if err != nil {
					log.Warn("undecodable vault entry", "pssh", truncatePSSH(e.PSSH))
					continue
				}
				fmt.Printf("  %s  %v\n", truncatePSSH(e.PSSH), value)
				total++
			}
		}
		if total == 0 {
			fmt.Println("vault is empty")
		}
		return nil
	},
}

func truncatePSSH(pssh string) string {
	if len(pssh) > 24 {
		return pssh[:24] + "..."
	}
	return pssh
}

func init() {
	rootCmd.AddCommand(keysCmd)
}
