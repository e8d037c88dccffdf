package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/martinemde/ralph/agentloop"
	"github.com/martinemde/ralph/checkpoint"
	"github.com/martinemde/ralph/crmtools"
	"github.com/martinemde/ralph/unifiedllm"
)

const defaultSystemPrompt = `You are Ralph, a customer service agent and marketing expert. You work with the marketing team to manage and optimize customer relationships by understanding customer behavior, preferences and needs, and by running targeted marketing campaigns.

You are connected to the company's CRM database. Use the query tool to run read-only SQL.

<TABLES>
customers ("Customer ID", "Country", "Name", "Email")
transactions ("Invoice", "InvoiceDate", "StockCode", "Quantity", "Price", "TotalPrice", "Customer ID")
items ("StockCode", "Description", "Price")
rfm ("Customer ID", recency, frequency, monetary, "R", "F", "M", "RFM_Score", "Segment")
campaigns (id, name, type, description, status, created_at)
campaign_emails (id, campaign_id, customer_id, recipient, subject, status, created_at)
</TABLES>
Column names with spaces or capitals must be double quoted. RFM segments are Champion, Recent Customer, Frequent Buyer, Big Spender, At Risk and Others.

Use create_campaign to start a campaign. Its type is one of:
1. re-engagement: customers who have not purchased in a long time.
2. referral: high value customers, offering a discount for referrals.
3. loyalty: high value customers, thanking them for their loyalty.

Use send_campaign_email to queue an email to one customer of a campaign. Emails are HTML, personalized with the customer's name and specifics of their purchases, and end with a call to action that fits the campaign type. Analyze the customer's data before writing each email. Keep the tone friendly and conversational.

Think through the request and make a plan before acting.`

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.retry.max_retries", 2)
	v.SetDefault("llm.retry.base_delay", time.Second)
	v.SetDefault("llm.retry.max_delay", time.Minute)

	v.SetDefault("agent.system_prompt", defaultSystemPrompt)
	v.SetDefault("agent.instructions_path", "")
	v.SetDefault("agent.max_tool_rounds", 25)
	v.SetDefault("agent.loop_detection.enabled", true)
	v.SetDefault("agent.loop_detection.window", 6)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "~/.ralph/ralph.db")

	v.SetDefault("crm.driver", "sqlite")
	v.SetDefault("crm.dsn", "~/.ralph/crm.db")
	v.SetDefault("crm.max_rows", 500)
	v.SetDefault("crm.query_timeout", 30*time.Second)

	v.SetDefault("approval.protected_tools", crmtools.DefaultProtected)
	v.SetDefault("approval.policy_file", "")
	v.SetDefault("approval.audit.jsonl_path", "")
	v.SetDefault("approval.audit.rotate_max_bytes", int64(0))

	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "text")
}

// loadConfig reads path, or ralph.yaml from the working directory or
// ~/.ralph when path is empty. RALPH_ environment variables override both.
func loadConfig(v *viper.Viper, path string) error {
	setDefaults(v)
	v.SetEnvPrefix("RALPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(expandHome(path))
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName("ralph")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".ralph"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func expandHome(p string) string {
	p = strings.TrimSpace(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func loggerFromViper(v *viper.Viper, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(v.GetString("log.level")))); err != nil {
		return nil, fmt.Errorf("invalid log.level %q", v.GetString("log.level"))
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(strings.TrimSpace(v.GetString("log.format"))) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log.format %q", v.GetString("log.format"))
	}
}

func agentFromViper(v *viper.Viper) (agentloop.Config, error) {
	cfg := agentloop.DefaultConfig()
	cfg.Provider = normalizeProvider(v.GetString("llm.provider"))
	cfg.Model = strings.TrimSpace(v.GetString("llm.model"))
	if cfg.Model == "" {
		cfg.Model = unifiedllm.DefaultModel(cfg.Provider)
	}
	cfg.SystemPrompt = v.GetString("agent.system_prompt")

	instructions, err := agentloop.LoadInstructions(expandHome(v.GetString("agent.instructions_path")))
	if err != nil {
		return agentloop.Config{}, err
	}
	cfg.UserInstructions = instructions

	temp := v.GetFloat64("llm.temperature")
	cfg.Temperature = &temp
	if n := v.GetInt("llm.max_tokens"); n > 0 {
		cfg.MaxTokens = &n
	}
	if n := v.GetInt("agent.max_tool_rounds"); n > 0 {
		cfg.MaxToolRoundsPerTurn = n
	}
	cfg.EnableLoopDetection = v.GetBool("agent.loop_detection.enabled")
	if n := v.GetInt("agent.loop_detection.window"); n > 0 {
		cfg.LoopDetectionWindow = n
	}

	cfg.Retry.MaxRetries = v.GetInt("llm.retry.max_retries")
	if d := v.GetDuration("llm.retry.base_delay"); d > 0 {
		cfg.Retry.BaseDelay = d
	}
	if d := v.GetDuration("llm.retry.max_delay"); d > 0 {
		cfg.Retry.MaxDelay = d
	}
	return cfg, nil
}

func storeFromViper(v *viper.Viper) (checkpoint.Checkpointer, error) {
	driver := strings.ToLower(strings.TrimSpace(v.GetString("store.driver")))
	path := expandHome(v.GetString("store.path"))
	switch driver {
	case "memory":
		return checkpoint.NewMemoryStore(), nil
	case "sqlite", "":
		if err := ensureParentDir(path); err != nil {
			return nil, err
		}
		return checkpoint.NewSQLiteStore(path)
	case "bolt", "bbolt":
		if err := ensureParentDir(path); err != nil {
			return nil, err
		}
		return checkpoint.NewBoltStore(path)
	default:
		return nil, fmt.Errorf("unsupported store.driver %q", driver)
	}
}

func toolsFromViper(ctx context.Context, v *viper.Viper, log *slog.Logger) (*crmtools.Toolset, error) {
	dialect, err := crmtools.ParseDialect(v.GetString("crm.driver"))
	if err != nil {
		return nil, err
	}
	dsn := v.GetString("crm.dsn")
	if dialect == crmtools.DialectSQLite {
		dsn = expandHome(dsn)
		if err := ensureParentDir(dsn); err != nil {
			return nil, err
		}
	}
	return crmtools.Open(ctx, dialect, dsn,
		crmtools.WithMaxRows(v.GetInt("crm.max_rows")),
		crmtools.WithQueryTimeout(v.GetDuration("crm.query_timeout")),
		crmtools.WithLogger(log),
	)
}

// approvalFromViper builds the gate from approval.protected_tools merged with
// the optional yaml policy file. The returned closer releases the audit sink.
func approvalFromViper(v *viper.Viper, log *slog.Logger) (*agentloop.ApprovalGate, io.Closer, error) {
	policy := agentloop.ApprovalPolicy{ProtectedTools: v.GetStringSlice("approval.protected_tools")}
	if path := strings.TrimSpace(v.GetString("approval.policy_file")); path != "" {
		filePolicy, err := agentloop.LoadApprovalPolicy(expandHome(path))
		if err != nil {
			return nil, nil, err
		}
		policy = policy.Merge(filePolicy)
	}

	opts := []agentloop.GateOption{agentloop.WithGateLogger(log)}
	var closer io.Closer = nopCloser{}
	if path := strings.TrimSpace(v.GetString("approval.audit.jsonl_path")); path != "" {
		sink, err := agentloop.NewJSONLAuditSink(expandHome(path), v.GetInt64("approval.audit.rotate_max_bytes"))
		if err != nil {
			log.Warn("approval_audit_sink_error", "error", err.Error())
		} else {
			opts = append(opts, agentloop.WithAuditSink(sink))
			closer = sink
		}
	}
	log.Debug("approval_gate", "protected", policy.ProtectedTools)
	return agentloop.NewApprovalGate(policy.ProtectedTools, opts...), closer, nil
}

// modelFromViper builds the gollm-backed client. The returned closer
// releases the provider.
func modelFromViper(v *viper.Viper, log *slog.Logger) (agentloop.ModelBackend, io.Closer, error) {
	provider := normalizeProvider(v.GetString("llm.provider"))
	model := strings.TrimSpace(v.GetString("llm.model"))
	if model == "" {
		model = unifiedllm.DefaultModel(provider)
	}
	adapter, err := unifiedllm.NewGollmAdapter(provider, strings.TrimSpace(v.GetString("llm.api_key")),
		unifiedllm.WithModel(model),
		unifiedllm.WithTemperature(v.GetFloat64("llm.temperature")),
		unifiedllm.WithMaxTokens(v.GetInt("llm.max_tokens")),
	)
	if err != nil {
		return nil, nil, err
	}
	client := unifiedllm.NewClient(
		unifiedllm.WithProvider(provider, adapter),
		unifiedllm.WithDefaultProvider(provider),
		unifiedllm.WithStreamMiddleware(unifiedllm.LoggingStreamMiddleware(log)),
	)
	return client, client, nil
}

func normalizeProvider(provider string) string {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return "openai"
	}
	return provider
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
