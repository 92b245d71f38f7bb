// Copyright AI Scope Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3" // goqu sqlite dialect
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite" // cgo-free sqlite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS request_records (
	id TEXT PRIMARY KEY,
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	path TEXT NOT NULL,
	query TEXT NOT NULL DEFAULT '{}',
	headers TEXT NOT NULL DEFAULT '{}',
	body TEXT NOT NULL DEFAULT '',
	body_truncated INTEGER NOT NULL DEFAULT 0,
	body_size INTEGER NOT NULL DEFAULT 0,
	target_url TEXT NOT NULL DEFAULT '',
	route_source TEXT NOT NULL DEFAULT '',
	matched_rule_id TEXT,
	status_code INTEGER,
	response_headers TEXT,
	response_body TEXT,
	response_truncated INTEGER NOT NULL DEFAULT 0,
	response_size INTEGER,
	duration_ms INTEGER,
	is_ai_request INTEGER NOT NULL DEFAULT 0,
	ai_request_id TEXT,
	error TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_request_records_created_at ON request_records(created_at);

CREATE TABLE IF NOT EXISTS ai_records (
	id TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	model TEXT,
	streaming INTEGER NOT NULL DEFAULT 0,
	messages TEXT NOT NULL DEFAULT '[]',
	system_prompt TEXT,
	user_messages TEXT NOT NULL DEFAULT '[]',
	assistant_response TEXT,
	has_tool_calls INTEGER NOT NULL DEFAULT 0,
	tool_call_count INTEGER NOT NULL DEFAULT 0,
	tool_names TEXT NOT NULL DEFAULT '[]',
	full_request TEXT,
	full_response TEXT,
	prompt_tokens INTEGER,
	completion_tokens INTEGER,
	total_tokens INTEGER,
	input_cost_micros INTEGER NOT NULL DEFAULT 0,
	output_cost_micros INTEGER NOT NULL DEFAULT 0,
	total_cost_micros INTEGER NOT NULL DEFAULT 0,
	time_to_first_token_ms INTEGER,
	total_duration_ms INTEGER,
	generation_id TEXT,
	enriched INTEGER NOT NULL DEFAULT 0,
	enriched_at INTEGER,
	openrouter_provider_name TEXT,
	openrouter_upstream_id TEXT,
	openrouter_total_cost REAL,
	openrouter_cache_discount REAL,
	openrouter_latency_ms INTEGER,
	openrouter_generation_time_ms INTEGER,
	openrouter_moderation_ms INTEGER,
	native_tokens_prompt INTEGER,
	native_tokens_completion INTEGER,
	native_tokens_reasoning INTEGER,
	native_tokens_cached INTEGER,
	finish_reason TEXT,
	is_byok INTEGER,
	raw_generation TEXT,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS routing_rules (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	enabled INTEGER NOT NULL DEFAULT 1,
	match_type TEXT NOT NULL,
	match_pattern TEXT NOT NULL,
	match_header TEXT NOT NULL DEFAULT '',
	target_url TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS config (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	default_target_url TEXT NOT NULL DEFAULT '',
	log_enabled INTEGER NOT NULL DEFAULT 1,
	max_body_size INTEGER NOT NULL DEFAULT 1048576,
	ai_detection_enabled INTEGER NOT NULL DEFAULT 1,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pricing_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	provider TEXT NOT NULL,
	model_pattern TEXT NOT NULL,
	input_price_per_million INTEGER NOT NULL,
	output_price_per_million INTEGER NOT NULL,
	UNIQUE(provider, model_pattern)
);
`

// Store is the persistence adapter used by the forwarder, the enricher and the
// retention worker. All methods are safe for concurrent use.
type Store struct {
	db     *goqu.Database
	sqlDB  *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the sqlite database at path and applies the
// schema. Use ":memory:" for an ephemeral store.
func Open(path string, logger *slog.Logger) (*Store, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// sqlite allows one writer at a time; a single conn avoids SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: goqu.New("sqlite3", sqlDB), sqlDB: sqlDB, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.sqlDB.Close() }

// NewID returns a fresh record id. ULIDs sort lexically by creation time.
func NewID() string { return ulid.Make().String() }

func nowMillis() int64 { return time.Now().UnixMilli() }

// InsertRequestRecord inserts the initial record for a request. The id and
// creation timestamp are assigned here when unset.
func (s *Store) InsertRequestRecord(ctx context.Context, rec *RequestRecord) error {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = nowMillis()
	}
	_, err := s.db.Insert("request_records").Rows(rec).Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to insert request record: %w", err)
	}
	return nil
}

func updateRecord(upd RequestRecordUpdate) goqu.Record {
	set := goqu.Record{}
	if upd.StatusCode != nil {
		set["status_code"] = *upd.StatusCode
	}
	if upd.ResponseHeaders != nil {
		set["response_headers"] = *upd.ResponseHeaders
	}
	if upd.ResponseBody != nil {
		set["response_body"] = *upd.ResponseBody
	}
	if upd.ResponseTruncated != nil {
		set["response_truncated"] = *upd.ResponseTruncated
	}
	if upd.ResponseSize != nil {
		set["response_size"] = *upd.ResponseSize
	}
	if upd.DurationMS != nil {
		set["duration_ms"] = *upd.DurationMS
	}
	if upd.Error != nil {
		set["error"] = *upd.Error
	}
	return set
}

// UpdateRequestRecord applies a partial update to a request record.
func (s *Store) UpdateRequestRecord(ctx context.Context, id string, upd RequestRecordUpdate) error {
	set := updateRecord(upd)
	if len(set) == 0 {
		return nil
	}
	_, err := s.db.Update("request_records").Set(set).Where(goqu.C("id").Eq(id)).Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to update request record %s: %w", id, err)
	}
	return nil
}

// CompleteWithAIRecord inserts the AI record and links it onto the request
// record together with the terminal update, in a single transaction.
func (s *Store) CompleteWithAIRecord(ctx context.Context, id string, upd RequestRecordUpdate, ai *AIRecord) error {
	if ai.ID == "" {
		ai.ID = NewID()
	}
	if ai.CreatedAt == 0 {
		ai.CreatedAt = nowMillis()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	err = tx.Wrap(func() error {
		if _, err := tx.Insert("ai_records").Rows(ai).Executor().ExecContext(ctx); err != nil {
			return err
		}
		set := updateRecord(upd)
		set["ai_request_id"] = ai.ID
		set["is_ai_request"] = true
		_, err := tx.Update("request_records").Set(set).Where(goqu.C("id").Eq(id)).Executor().ExecContext(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to complete request record %s with AI record: %w", id, err)
	}
	return nil
}

// GetRequestRecord loads one request record by id.
func (s *Store) GetRequestRecord(ctx context.Context, id string) (*RequestRecord, error) {
	var rec RequestRecord
	found, err := s.db.From("request_records").Where(goqu.C("id").Eq(id)).ScanStructContext(ctx, &rec)
	if err != nil {
		return nil, fmt.Errorf("failed to load request record %s: %w", id, err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// GetAIRecord loads one AI record by id.
func (s *Store) GetAIRecord(ctx context.Context, id string) (*AIRecord, error) {
	var rec AIRecord
	found, err := s.db.From("ai_records").Where(goqu.C("id").Eq(id)).ScanStructContext(ctx, &rec)
	if err != nil {
		return nil, fmt.Errorf("failed to load ai record %s: %w", id, err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// MarkEnriched applies OpenRouter telemetry to an AI record. It is a no-op if
// the record was already enriched, which makes re-invocation idempotent.
func (s *Store) MarkEnriched(ctx context.Context, aiID string, upd EnrichmentUpdate) (bool, error) {
	set := goqu.Record{
		"enriched":          true,
		"enriched_at":       upd.EnrichedAt,
		"raw_generation":    upd.Raw,
		"total_cost_micros": upd.TotalCostMicros,
	}
	setIf := func(col string, v any, present bool) {
		if present {
			set[col] = v
		}
	}
	setIf("openrouter_provider_name", upd.ProviderName, upd.ProviderName != nil)
	setIf("openrouter_upstream_id", upd.UpstreamID, upd.UpstreamID != nil)
	setIf("openrouter_total_cost", upd.TotalCost, upd.TotalCost != nil)
	setIf("openrouter_cache_discount", upd.CacheDiscount, upd.CacheDiscount != nil)
	setIf("openrouter_latency_ms", upd.LatencyMS, upd.LatencyMS != nil)
	setIf("openrouter_generation_time_ms", upd.GenerationTimeMS, upd.GenerationTimeMS != nil)
	setIf("openrouter_moderation_ms", upd.ModerationMS, upd.ModerationMS != nil)
	setIf("native_tokens_prompt", upd.TokensPrompt, upd.TokensPrompt != nil)
	setIf("native_tokens_completion", upd.TokensCompletion, upd.TokensCompletion != nil)
	setIf("native_tokens_reasoning", upd.TokensReasoning, upd.TokensReasoning != nil)
	setIf("native_tokens_cached", upd.TokensCached, upd.TokensCached != nil)
	setIf("finish_reason", upd.FinishReason, upd.FinishReason != nil)
	setIf("is_byok", upd.IsBYOK, upd.IsBYOK != nil)
	// Native token counts win over the parsed ones when OpenRouter reports them.
	setIf("prompt_tokens", upd.TokensPrompt, upd.TokensPrompt != nil)
	setIf("completion_tokens", upd.TokensCompletion, upd.TokensCompletion != nil)
	if upd.TokensPrompt != nil && upd.TokensCompletion != nil {
		set["total_tokens"] = *upd.TokensPrompt + *upd.TokensCompletion
	}
	res, err := s.db.Update("ai_records").Set(set).
		Where(goqu.C("id").Eq(aiID), goqu.C("enriched").Eq(false)).
		Executor().ExecContext(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to enrich ai record %s: %w", aiID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListEnabledRules returns enabled routing rules ordered by descending
// priority. Ties are broken by id, which sorts by insertion time.
func (s *Store) ListEnabledRules(ctx context.Context) ([]RoutingRule, error) {
	var rules []RoutingRule
	err := s.db.From("routing_rules").
		Where(goqu.C("enabled").Eq(true)).
		Order(goqu.C("priority").Desc(), goqu.C("id").Asc()).
		ScanStructsContext(ctx, &rules)
	if err != nil {
		return nil, fmt.Errorf("failed to list routing rules: %w", err)
	}
	return rules, nil
}

// UpsertRule inserts or replaces a routing rule.
func (s *Store) UpsertRule(ctx context.Context, rule *RoutingRule) error {
	if rule.ID == "" {
		rule.ID = NewID()
	}
	if rule.CreatedAt == 0 {
		rule.CreatedAt = nowMillis()
	}
	if _, err := s.db.Delete("routing_rules").Where(goqu.C("id").Eq(rule.ID)).Executor().ExecContext(ctx); err != nil {
		return fmt.Errorf("failed to upsert routing rule: %w", err)
	}
	if _, err := s.db.Insert("routing_rules").Rows(rule).Executor().ExecContext(ctx); err != nil {
		return fmt.Errorf("failed to upsert routing rule: %w", err)
	}
	return nil
}

// DeleteRule removes a routing rule by id.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	_, err := s.db.Delete("routing_rules").Where(goqu.C("id").Eq(id)).Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete routing rule %s: %w", id, err)
	}
	return nil
}

// LoadConfig returns the singleton config, or defaults when none was stored.
func (s *Store) LoadConfig(ctx context.Context) (Config, error) {
	var cfg Config
	found, err := s.db.From("config").
		Select(goqu.C("default_target_url"), goqu.C("log_enabled"), goqu.C("max_body_size"),
			goqu.C("ai_detection_enabled"), goqu.C("updated_at")).
		Where(goqu.C("id").Eq(1)).ScanStructContext(ctx, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	if !found {
		return DefaultConfig(), nil
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	return cfg, nil
}

// SetConfig stores the singleton config.
func (s *Store) SetConfig(ctx context.Context, cfg Config) error {
	cfg.UpdatedAt = nowMillis()
	_, err := s.db.Delete("config").Where(goqu.C("id").Eq(1)).Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to set config: %w", err)
	}
	_, err = s.db.Insert("config").Rows(goqu.Record{
		"id":                   1,
		"default_target_url":   cfg.DefaultTargetURL,
		"log_enabled":          cfg.LogEnabled,
		"max_body_size":        cfg.MaxBodySize,
		"ai_detection_enabled": cfg.AIDetectionEnabled,
		"updated_at":           cfg.UpdatedAt,
	}).Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to set config: %w", err)
	}
	return nil
}

// SeedDefaultTarget stores an initial config with the given default target,
// only when no config row exists yet. Used for the TARGET_URL first-boot seed.
func (s *Store) SeedDefaultTarget(ctx context.Context, targetURL string) error {
	n, err := s.db.From("config").Where(goqu.C("id").Eq(1)).CountContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed config: %w", err)
	}
	if n > 0 {
		return nil
	}
	seeded := DefaultConfig()
	seeded.DefaultTargetURL = targetURL
	return s.SetConfig(ctx, seeded)
}

// ListPricing returns the pricing entries for a provider in insertion order.
func (s *Store) ListPricing(ctx context.Context, provider Provider) ([]PricingEntry, error) {
	var entries []PricingEntry
	err := s.db.From("pricing_entries").
		Where(goqu.C("provider").Eq(string(provider))).
		Order(goqu.C("id").Asc()).
		ScanStructsContext(ctx, &entries)
	if err != nil {
		return nil, fmt.Errorf("failed to list pricing entries: %w", err)
	}
	return entries, nil
}

// InsertPricing adds a pricing entry.
func (s *Store) InsertPricing(ctx context.Context, entry *PricingEntry) error {
	_, err := s.db.Insert("pricing_entries").Rows(entry).Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to insert pricing entry: %w", err)
	}
	return nil
}

// CountRequestRecords returns the number of stored request records.
func (s *Store) CountRequestRecords(ctx context.Context) (int64, error) {
	n, err := s.db.From("request_records").CountContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count request records: %w", err)
	}
	return n, nil
}

// DeleteRecordsOlderThan removes request records created before cutoff (unix
// milliseconds) along with their linked AI records, atomically.
func (s *Store) DeleteRecordsOlderThan(ctx context.Context, cutoff int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	var deleted int64
	err = tx.Wrap(func() error {
		if _, err := tx.Delete("ai_records").Where(goqu.C("id").In(
			tx.From("request_records").
				Where(goqu.C("created_at").Lt(cutoff), goqu.C("ai_request_id").IsNotNull()).
				Select(goqu.C("ai_request_id")),
		)).Executor().ExecContext(ctx); err != nil {
			return err
		}
		res, err := tx.Delete("request_records").Where(goqu.C("created_at").Lt(cutoff)).Executor().ExecContext(ctx)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired records: %w", err)
	}
	return deleted, nil
}

// headerRow is the slim projection the retention worker redacts over.
type headerRow struct {
	ID      string `db:"id"`
	Headers string `db:"headers"`
}

// ListHeadersOlderThan returns (id, headers) pairs of request records created
// before cutoff, for sensitive-header redaction.
func (s *Store) ListHeadersOlderThan(ctx context.Context, cutoff int64) (ids []string, headers []string, err error) {
	var rows []headerRow
	err = s.db.From("request_records").
		Select(goqu.C("id"), goqu.C("headers")).
		Where(goqu.C("created_at").Lt(cutoff)).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list headers for redaction: %w", err)
	}
	for _, r := range rows {
		ids = append(ids, r.ID)
		headers = append(headers, r.Headers)
	}
	return ids, headers, nil
}

// UpdateHeaders rewrites the stored request headers of one record.
func (s *Store) UpdateHeaders(ctx context.Context, id, headers string) error {
	_, err := s.db.Update("request_records").Set(goqu.Record{"headers": headers}).
		Where(goqu.C("id").Eq(id)).Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to update headers of %s: %w", id, err)
	}
	return nil
}
