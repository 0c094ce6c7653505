// Seeder populates a development database with a plan, a tenant, a
// handful of contacts and a template, and prints the ids needed to
// exercise the campaign API by hand.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/tidewave/herald/internal/config"
	"github.com/tidewave/herald/internal/db"
	"github.com/tidewave/herald/internal/observ"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	plan := &db.Plan{
		ID:                       uuid.New(),
		Name:                     "starter",
		WhatsAppMessagesPerMonth: 1000,
		EmailMessagesPerMonth:    5000,
		MaxUsers:                 5,
		APIEnabled:               true,
	}
	if err := repo.CreatePlan(ctx, plan); err != nil {
		return err
	}

	tenant := &db.Tenant{
		ID:     uuid.New(),
		Name:   "Acme Dental",
		PlanID: plan.ID,
	}
	if err := repo.CreateTenant(ctx, tenant); err != nil {
		return err
	}

	vipTag := uuid.New()

	contacts := []*db.Contact{
		{
			ID:              uuid.New(),
			TenantID:        tenant.ID,
			Phone:           "+15550100001",
			Email:           "maria@example.com",
			Name:            "Maria",
			TagIDs:          []uuid.UUID{vipTag},
			ConsentWhatsApp: true,
			ConsentEmail:    true,
		},
		{
			ID:              uuid.New(),
			TenantID:        tenant.ID,
			Phone:           "+15550100002",
			Email:           "jonas@example.com",
			Name:            "Jonas",
			TagIDs:          []uuid.UUID{vipTag},
			ConsentWhatsApp: true,
			ConsentEmail:    false,
		},
		{
			ID:              uuid.New(),
			TenantID:        tenant.ID,
			Phone:           "+15550100003",
			Email:           "priya@example.com",
			Name:            "Priya",
			ConsentWhatsApp: false,
			ConsentEmail:    true,
		},
	}
	for _, c := range contacts {
		if err := repo.CreateContact(ctx, c); err != nil {
			return err
		}
	}

	definition, _ := json.Marshal(map[string]interface{}{
		"name": "appointment_reminder",
		"body": "Hi {{1}}, your appointment is on {{2}}.",
		"buttons": []map[string]string{
			{"label": "Manage booking", "url": "https://book.example.com/manage"},
		},
	})

	tmpl := &db.Template{
		ID:         uuid.New(),
		TenantID:   tenant.ID,
		Name:       "appointment_reminder",
		Channel:    db.ChannelWhatsApp,
		Definition: definition,
	}
	if err := repo.CreateTemplate(ctx, tmpl); err != nil {
		return err
	}

	mapping, _ := json.Marshal(map[string]string{
		"{{1}}": "contact.name",
		"{{2}}": "Friday 10:00",
	})
	filter, _ := json.Marshal(db.AudienceFilter{TagIDs: []uuid.UUID{vipTag}, OnlyConsented: true})

	campaign := &db.Campaign{
		ID:              uuid.New(),
		TenantID:        tenant.ID,
		Name:            "August reminders",
		Channel:         db.ChannelWhatsApp,
		Status:          db.CampaignStatusDraft,
		TemplateID:      tmpl.ID,
		VariableMapping: mapping,
		AudienceFilter:  filter,
	}
	if err := repo.CreateCampaign(ctx, campaign); err != nil {
		return err
	}

	fmt.Printf("tenant_id:   %s\n", tenant.ID)
	fmt.Printf("template_id: %s\n", tmpl.ID)
	fmt.Printf("campaign_id: %s\n", campaign.ID)

	return nil
}
