package crmtools

import (
	"github.com/martinemde/ralph/agentloop"
)

// Tool names.
const (
	ToolQuery             = "query"
	ToolCreateCampaign    = "create_campaign"
	ToolSendCampaignEmail = "send_campaign_email"
)

// DefaultProtected are the tools that change state outside the assistant.
var DefaultProtected = []string{ToolCreateCampaign, ToolSendCampaignEmail}

// Tools returns the registrations for the toolset, in the order the model
// should see them.
func (t *Toolset) Tools() []agentloop.RegisteredTool {
	return []agentloop.RegisteredTool{
		{
			Definition: agentloop.ToolDefinition{
				Name:        ToolQuery,
				Description: "Run a read-only SQL query against the CRM database and return the rows as JSON records. Only a single SELECT or WITH statement is allowed.",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"query": map[string]interface{}{
							"type":        "string",
							"description": "A single read-only SQL statement",
						},
					},
					"required": []string{"query"},
				},
			},
			Executor: t.Query,
		},
		{
			Definition: agentloop.ToolDefinition{
				Name:        ToolCreateCampaign,
				Description: "Create a marketing campaign. The type must be re-engagement, referral or loyalty.",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"name": map[string]interface{}{
							"type":        "string",
							"description": "Campaign name",
						},
						"type": map[string]interface{}{
							"type": "string",
							"enum": CampaignTypes,
						},
						"description": map[string]interface{}{
							"type":        "string",
							"description": "Goal and audience of the campaign",
						},
					},
					"required": []string{"name", "type"},
				},
			},
			Executor: t.CreateCampaign,
		},
		{
			Definition: agentloop.ToolDefinition{
				Name:        ToolSendCampaignEmail,
				Description: "Queue a personalized HTML email to one customer as part of a campaign.",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"campaign_id": map[string]interface{}{
							"type":        "integer",
							"description": "Id returned by create_campaign",
						},
						"customer_id": map[string]interface{}{
							"type":        "integer",
							"description": "Customer ID; the address is looked up when to is omitted",
						},
						"to": map[string]interface{}{
							"type":        "string",
							"description": "Recipient email address",
						},
						"subject": map[string]interface{}{
							"type": "string",
						},
						"body_html": map[string]interface{}{
							"type":        "string",
							"description": "HTML body of the email",
						},
					},
					"required": []string{"campaign_id", "subject", "body_html"},
				},
			},
			Executor: t.SendCampaignEmail,
		},
	}
}
