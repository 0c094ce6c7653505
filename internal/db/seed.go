package db

import (
	"context"
	"fmt"
)

// Reference-data writes used by the seeder and integration setups.
// Campaign-facing reads of these tables live in repository.go.

// CreatePlan inserts a plan.
func (r *Repository) CreatePlan(ctx context.Context, p *Plan) error {
	query := `
		INSERT INTO plans (
			id, name, whatsapp_messages_per_month, email_messages_per_month,
			max_users, ai_features_enabled, api_enabled
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		p.ID,
		p.Name,
		p.WhatsAppMessagesPerMonth,
		p.EmailMessagesPerMonth,
		p.MaxUsers,
		p.AIFeaturesEnabled,
		p.APIEnabled,
	)
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}

	return nil
}

// CreateTenant inserts a tenant.
func (r *Repository) CreateTenant(ctx context.Context, t *Tenant) error {
	query := `
		INSERT INTO tenants (id, name, plan_id)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query, t.ID, t.Name, t.PlanID).Scan(&t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}

	return nil
}

// CreateContact inserts a contact.
func (r *Repository) CreateContact(ctx context.Context, c *Contact) error {
	query := `
		INSERT INTO contacts (
			id, tenant_id, phone, email, name, tag_ids,
			consent_whatsapp, consent_email
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		c.ID,
		c.TenantID,
		c.Phone,
		c.Email,
		c.Name,
		c.TagIDs,
		c.ConsentWhatsApp,
		c.ConsentEmail,
	).Scan(&c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert contact: %w", err)
	}

	return nil
}

// CreateTemplate inserts a template.
func (r *Repository) CreateTemplate(ctx context.Context, t *Template) error {
	query := `
		INSERT INTO templates (id, tenant_id, name, channel, definition)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		t.ID,
		t.TenantID,
		t.Name,
		t.Channel,
		t.Definition,
	)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}

	return nil
}
