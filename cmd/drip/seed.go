package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/foxzi/drip/internal/store"
)

var (
	seedAccounts int
	seedUnits    int
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Populate the store with demo data for local bring-up",
	RunE:  runSeed,
}

func init() {
	seedCmd.Flags().IntVar(&seedAccounts, "accounts", 3, "Number of sending accounts")
	seedCmd.Flags().IntVar(&seedUnits, "units", 20, "Number of scheduled units")
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := context.Background()
	now := time.Now().UTC()
	orgID := "org-" + uuid.NewString()[:8]

	accountIDs := make([]string, 0, seedAccounts)
	for i := 0; i < seedAccounts; i++ {
		id := uuid.NewString()
		err := s.PutAccount(ctx, &store.EmailAccount{
			ID:               id,
			OrgID:            orgID,
			Address:          fmt.Sprintf("sender%d@demo.example.com", i+1),
			Kind:             store.AccountSMTP,
			Status:           store.AccountActive,
			DailyLimit:       200,
			HourlyLimit:      30,
			RotationPriority: 5,
			RotationWeight:   1,
			HealthScore:      90,
			SMTP: &store.SMTPSettings{
				Host:     "localhost",
				Port:     1025,
				Username: fmt.Sprintf("sender%d", i+1),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to seed account: %w", err)
		}
		accountIDs = append(accountIDs, id)
	}

	campaign := &store.Campaign{
		ID:                     uuid.NewString(),
		OrgID:                  orgID,
		Name:                   "demo campaign",
		Status:                 store.CampaignActive,
		SendingIntervalMinutes: 15,
		EmailsPerHour:          4,
		Timezone:               "UTC",
		StopOnReply:            true,
		AccountIDs:             accountIDs,
	}
	if err := s.PutCampaign(ctx, campaign); err != nil {
		return fmt.Errorf("failed to seed campaign: %w", err)
	}

	for i := 0; i < seedUnits; i++ {
		err := s.PutUnit(ctx, &store.SendUnit{
			ID:         uuid.NewString(),
			CampaignID: campaign.ID,
			OrgID:      orgID,
			Recipient:  fmt.Sprintf("lead%d@demo-leads.example.com", i+1),
			Subject:    fmt.Sprintf("Hello #%d", i+1),
			Body:       "This is a demo message.",
			SendAt:     now.Add(time.Duration(i) * time.Minute),
			Status:     store.UnitScheduled,
		})
		if err != nil {
			return fmt.Errorf("failed to seed unit: %w", err)
		}
	}

	fmt.Printf("Seeded org %s: %d accounts, 1 campaign, %d units\n",
		orgID, seedAccounts, seedUnits)
	return nil
}
