// Package policy exposes the key→JSON policy store as typed documents.
// Every read validates the stored JSON against an embedded schema and fails
// closed on malformed documents; a missing key yields the documented default.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/bloq-ai/crewd/internal/persistence"
)

const (
	KeyAutoApprove    = "auto_approve"
	KeyWorker         = "worker"
	KeyReactionMatrix = "reaction_matrix"
	KeyRoundtable     = "roundtable"

	keyReactionWatermark = "reaction_watermark"
)

// AutoApprove authorizes proposals into missions without human review. A
// proposal qualifies only if Enabled is set, its source is allow-listed, and
// every one of its step kinds is allow-listed.
type AutoApprove struct {
	Enabled          bool     `json:"enabled"`
	AllowedSources   []string `json:"allowed_sources"`
	AllowedStepKinds []string `json:"allowed_step_kinds"`
}

// Worker tunes the step execution side: staleness threshold for the reaper,
// posting gates, and disabled step categories.
type Worker struct {
	StaleMinutes      int      `json:"stale_minutes"`
	AutopostEnabled   bool     `json:"autopost_enabled"`
	DailyPostQuota    int      `json:"daily_post_quota"`
	DisabledStepKinds []string `json:"disabled_step_kinds"`
}

// ReactionPattern matches events whose tag set contains every pattern tag.
type ReactionPattern struct {
	Tags         []string `json:"tags"`
	ReactionType string   `json:"reaction_type"`
	DelaySeconds int      `json:"delay_seconds"`
	TargetAgent  string   `json:"target_agent"`
}

// ReactionMatrix is the pattern set the reaction engine matches against.
type ReactionMatrix struct {
	Patterns []ReactionPattern `json:"patterns"`
}

// Roundtable tunes the conversation scheduler.
type Roundtable struct {
	Enabled             bool     `json:"enabled"`
	EnabledFormats      []string `json:"enabled_formats"`
	MaxTurns            int      `json:"max_turns"`
	CharCap             int      `json:"char_cap"`
	MaxConcurrent       int      `json:"max_concurrent"`
	ActionItemsDailyCap int      `json:"action_items_daily_cap"`
}

var schemaSources = map[string]string{
	KeyAutoApprove: `{
		"type": "object",
		"properties": {
			"enabled": {"type": "boolean"},
			"allowed_sources": {"type": "array", "items": {"type": "string"}},
			"allowed_step_kinds": {"type": "array", "items": {"type": "string"}}
		},
		"additionalProperties": false
	}`,
	KeyWorker: `{
		"type": "object",
		"properties": {
			"stale_minutes": {"type": "integer", "minimum": 1},
			"autopost_enabled": {"type": "boolean"},
			"daily_post_quota": {"type": "integer", "minimum": 0},
			"disabled_step_kinds": {"type": "array", "items": {"type": "string"}}
		},
		"additionalProperties": false
	}`,
	KeyReactionMatrix: `{
		"type": "object",
		"properties": {
			"patterns": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"tags": {"type": "array", "items": {"type": "string"}, "minItems": 1},
						"reaction_type": {"type": "string", "minLength": 1},
						"delay_seconds": {"type": "integer", "minimum": 0},
						"target_agent": {"type": "string"}
					},
					"required": ["tags", "reaction_type"],
					"additionalProperties": false
				}
			}
		},
		"additionalProperties": false
	}`,
	KeyRoundtable: `{
		"type": "object",
		"properties": {
			"enabled": {"type": "boolean"},
			"enabled_formats": {"type": "array", "items": {"type": "string"}},
			"max_turns": {"type": "integer", "minimum": 1},
			"char_cap": {"type": "integer", "minimum": 1},
			"max_concurrent": {"type": "integer", "minimum": 1},
			"action_items_daily_cap": {"type": "integer", "minimum": 0}
		},
		"additionalProperties": false
	}`,
}

// Loader reads typed policy documents out of the store.
type Loader struct {
	store   *persistence.Store
	schemas map[string]*jsonschema.Schema
}

func NewLoader(store *persistence.Store) (*Loader, error) {
	schemas := make(map[string]*jsonschema.Schema, len(schemaSources))
	for key, src := range schemaSources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", key, err)
		}
		c := jsonschema.NewCompiler()
		url := key + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", key, err)
		}
		schema, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", key, err)
		}
		schemas[key] = schema
	}
	return &Loader{store: store, schemas: schemas}, nil
}

// load validates the stored document for key against its schema and decodes
// it into out. Returns false when the key is absent (out untouched).
func (l *Loader) load(ctx context.Context, key string, out any) (bool, error) {
	raw, err := l.store.PolicyGet(ctx, key)
	if err != nil {
		if persistence.ErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("read policy %s: %w", key, err)
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return false, fmt.Errorf("policy %s is not valid JSON: %w", key, err)
	}
	if err := l.schemas[key].Validate(parsed); err != nil {
		return false, fmt.Errorf("policy %s failed validation: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("decode policy %s: %w", key, err)
	}
	return true, nil
}

// AutoApprove returns the auto-approve policy. Default: disabled.
func (l *Loader) AutoApprove(ctx context.Context) (AutoApprove, error) {
	var doc AutoApprove
	if _, err := l.load(ctx, KeyAutoApprove, &doc); err != nil {
		return AutoApprove{}, err
	}
	return doc, nil
}

// Worker returns the worker policy with defaults filled in.
func (l *Loader) Worker(ctx context.Context) (Worker, error) {
	doc := Worker{StaleMinutes: 30, DailyPostQuota: 3}
	if _, err := l.load(ctx, KeyWorker, &doc); err != nil {
		return Worker{}, err
	}
	if doc.StaleMinutes <= 0 {
		doc.StaleMinutes = 30
	}
	return doc, nil
}

// ReactionMatrix returns the configured pattern set. Default: empty.
func (l *Loader) ReactionMatrix(ctx context.Context) (ReactionMatrix, error) {
	var doc ReactionMatrix
	if _, err := l.load(ctx, KeyReactionMatrix, &doc); err != nil {
		return ReactionMatrix{}, err
	}
	return doc, nil
}

// Roundtable returns the roundtable policy with defaults filled in.
func (l *Loader) Roundtable(ctx context.Context) (Roundtable, error) {
	doc := Roundtable{
		Enabled:             true,
		EnabledFormats:      []string{"standup", "debate", "watercooler"},
		MaxTurns:            12,
		CharCap:             120,
		MaxConcurrent:       1,
		ActionItemsDailyCap: 3,
	}
	if _, err := l.load(ctx, KeyRoundtable, &doc); err != nil {
		return Roundtable{}, err
	}
	if doc.MaxTurns <= 0 {
		doc.MaxTurns = 12
	}
	if doc.CharCap <= 0 {
		doc.CharCap = 120
	}
	if doc.MaxConcurrent <= 0 {
		doc.MaxConcurrent = 1
	}
	return doc, nil
}

// Set validates and stores a policy document under key.
func (l *Loader) Set(ctx context.Context, key, valueJSON string) error {
	schema, ok := l.schemas[key]
	if !ok {
		return fmt.Errorf("unknown policy key %q", key)
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(valueJSON))
	if err != nil {
		return fmt.Errorf("policy %s is not valid JSON: %w", key, err)
	}
	if err := schema.Validate(parsed); err != nil {
		return fmt.Errorf("policy %s failed validation: %w", key, err)
	}
	return l.store.PolicySet(ctx, key, valueJSON)
}

// ReactionWatermark returns the last processed event timestamp for the
// matching phase. Absent means now−60s, so a fresh store does not replay
// the whole event log.
func (l *Loader) ReactionWatermark(ctx context.Context, now time.Time) (time.Time, error) {
	raw, err := l.store.PolicyGet(ctx, keyReactionWatermark)
	if err != nil {
		if persistence.ErrNotFound(err) {
			return now.Add(-60 * time.Second), nil
		}
		return time.Time{}, fmt.Errorf("read reaction watermark: %w", err)
	}
	var stamp string
	if err := json.Unmarshal([]byte(raw), &stamp); err != nil {
		return time.Time{}, fmt.Errorf("decode reaction watermark: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, stamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse reaction watermark: %w", err)
	}
	return t, nil
}

// SetReactionWatermark advances the matching watermark.
func (l *Loader) SetReactionWatermark(ctx context.Context, t time.Time) error {
	raw, err := json.Marshal(t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("marshal reaction watermark: %w", err)
	}
	return l.store.PolicySet(ctx, keyReactionWatermark, string(raw))
}
