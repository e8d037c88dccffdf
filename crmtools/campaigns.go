package crmtools

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// Campaign types the marketing team runs.
const (
	CampaignReEngagement = "re-engagement"
	CampaignReferral     = "referral"
	CampaignLoyalty      = "loyalty"
)

// CampaignTypes lists the accepted campaign types.
var CampaignTypes = []string{CampaignReEngagement, CampaignReferral, CampaignLoyalty}

// CreateCampaignArgs are the arguments of create_campaign.
type CreateCampaignArgs struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Campaign is a stored campaign.
type Campaign struct {
	ID          int64  `json:"campaign_id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

// CreateCampaign stores a new draft campaign.
func (t *Toolset) CreateCampaign(ctx context.Context, raw json.RawMessage) (any, error) {
	var args CreateCampaignArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid create_campaign arguments: %w", err)
	}
	args.Name = strings.TrimSpace(args.Name)
	args.Type = strings.ToLower(strings.TrimSpace(args.Type))
	if args.Name == "" {
		return nil, fmt.Errorf("campaign name is required")
	}
	if !validCampaignType(args.Type) {
		return nil, fmt.Errorf("campaign type must be one of %s, got %q", strings.Join(CampaignTypes, ", "), args.Type)
	}

	c := Campaign{
		Name:        args.Name,
		Type:        args.Type,
		Description: strings.TrimSpace(args.Description),
		Status:      "draft",
		CreatedAt:   t.timestamp(),
	}
	err := t.db.QueryRowContext(ctx, t.rebind(`
INSERT INTO campaigns (name, type, description, status, created_at)
VALUES (?, ?, ?, ?, ?)
RETURNING id`), c.Name, c.Type, c.Description, c.Status, c.CreatedAt).Scan(&c.ID)
	if err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	t.log.Info("crm_campaign_created", "campaign_id", c.ID, "type", c.Type)
	return c, nil
}

func validCampaignType(s string) bool {
	for _, ct := range CampaignTypes {
		if s == ct {
			return true
		}
	}
	return false
}

// SendCampaignEmailArgs are the arguments of send_campaign_email. Either To
// or CustomerID must identify the recipient.
type SendCampaignEmailArgs struct {
	CampaignID int64  `json:"campaign_id"`
	CustomerID *int64 `json:"customer_id,omitempty"`
	To         string `json:"to,omitempty"`
	Subject    string `json:"subject"`
	BodyHTML   string `json:"body_html"`
}

// QueuedEmail is an outbox row.
type QueuedEmail struct {
	ID         int64  `json:"email_id"`
	CampaignID int64  `json:"campaign_id"`
	CustomerID *int64 `json:"customer_id,omitempty"`
	Recipient  string `json:"recipient"`
	Subject    string `json:"subject"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
}

// SendCampaignEmail queues one email of a campaign in the outbox. Delivery
// happens outside the assistant.
func (t *Toolset) SendCampaignEmail(ctx context.Context, raw json.RawMessage) (any, error) {
	var args SendCampaignEmailArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid send_campaign_email arguments: %w", err)
	}
	if args.CampaignID <= 0 {
		return nil, fmt.Errorf("campaign_id is required")
	}
	if strings.TrimSpace(args.Subject) == "" {
		return nil, fmt.Errorf("subject is required")
	}
	if strings.TrimSpace(args.BodyHTML) == "" {
		return nil, fmt.Errorf("body_html is required")
	}

	var status string
	err := t.db.QueryRowContext(ctx, t.rebind(`SELECT status FROM campaigns WHERE id = ?`), args.CampaignID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("campaign %d does not exist", args.CampaignID)
	}
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}

	recipient, err := t.recipient(ctx, args)
	if err != nil {
		return nil, err
	}

	e := QueuedEmail{
		CampaignID: args.CampaignID,
		CustomerID: args.CustomerID,
		Recipient:  recipient,
		Subject:    strings.TrimSpace(args.Subject),
		Status:     "queued",
		CreatedAt:  t.timestamp(),
	}
	err = t.db.QueryRowContext(ctx, t.rebind(`
INSERT INTO campaign_emails (campaign_id, customer_id, recipient, subject, body_html, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
RETURNING id`), e.CampaignID, e.CustomerID, e.Recipient, e.Subject, args.BodyHTML, e.Status, e.CreatedAt).Scan(&e.ID)
	if err != nil {
		return nil, fmt.Errorf("queue campaign email: %w", err)
	}
	t.log.Info("crm_campaign_email_queued", "campaign_id", e.CampaignID, "email_id", e.ID)
	return e, nil
}

// recipient resolves the address from the arguments or the customers table.
func (t *Toolset) recipient(ctx context.Context, args SendCampaignEmailArgs) (string, error) {
	to := strings.TrimSpace(args.To)
	if to == "" {
		if args.CustomerID == nil {
			return "", fmt.Errorf("either to or customer_id is required")
		}
		var email sql.NullString
		err := t.db.QueryRowContext(ctx, t.rebind(`SELECT "Email" FROM customers WHERE "Customer ID" = ?`), *args.CustomerID).Scan(&email)
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("customer %d does not exist", *args.CustomerID)
		}
		if err != nil {
			return "", fmt.Errorf("look up customer email: %w", err)
		}
		if !email.Valid || strings.TrimSpace(email.String) == "" {
			return "", fmt.Errorf("customer %d has no email address", *args.CustomerID)
		}
		to = strings.TrimSpace(email.String)
	}
	addr, err := mail.ParseAddress(to)
	if err != nil {
		return "", fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	return addr.Address, nil
}

// Outbox lists the queued emails of a campaign in insertion order.
func (t *Toolset) Outbox(ctx context.Context, campaignID int64) ([]QueuedEmail, error) {
	rows, err := t.db.QueryContext(ctx, t.rebind(`
SELECT id, campaign_id, customer_id, recipient, subject, status, created_at
FROM campaign_emails WHERE campaign_id = ? ORDER BY id`), campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueuedEmail
	for rows.Next() {
		var e QueuedEmail
		var customer sql.NullInt64
		if err := rows.Scan(&e.ID, &e.CampaignID, &customer, &e.Recipient, &e.Subject, &e.Status, &e.CreatedAt); err != nil {
			return nil, err
		}
		if customer.Valid {
			id := customer.Int64
			e.CustomerID = &id
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
