// Package dispatch maps free-text task descriptions to a registered
// agent type using a single LLM classification call.
//
// Dispatch is an enrichment of task creation, never a gate: every
// failure mode (provider down, malformed reply, unknown type) degrades
// to the configured fallback type with confidence 0 instead of
// returning an error.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/rookery-ai/rookery/internal/llm"
	"github.com/rookery-ai/rookery/internal/model"
	"github.com/rookery-ai/rookery/internal/telemetry"
)

const (
	// maxCacheEntries triggers an opportunistic prune on insert.
	maxCacheEntries = 1000
	// maxHashedDescriptionLen bounds the portion of the description that
	// feeds the cache key, so very long inputs with identical prefixes
	// share an entry.
	maxHashedDescriptionLen = 512
)

// Config tunes the dispatcher.
type Config struct {
	Enabled bool
	// FallbackType is returned whenever classification cannot produce a
	// confident answer.
	FallbackType string
	// ConfidenceThreshold is the minimum confidence at which the
	// classifier's answer is used verbatim.
	ConfidenceThreshold float64
	CacheTTL            time.Duration
	Model               string
	MaxTokens           int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		FallbackType:        "general",
		ConfidenceThreshold: 0.7,
		CacheTTL:            10 * time.Minute,
		MaxTokens:           256,
	}
}

// TypeLister supplies the agent types the classifier may choose from.
type TypeLister interface {
	List() []model.AgentDefinition
}

// Classification is the dispatch outcome.
type Classification struct {
	AgentType  string  `json:"agent_type"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
	FromCache  bool    `json:"from_cache"`
}

type cachedClassification struct {
	result    Classification
	expiresAt time.Time
}

// Dispatcher classifies task descriptions into agent types.
type Dispatcher struct {
	provider llm.Provider
	types    TypeLister
	logger   *slog.Logger
	cfg      Config

	group     singleflight.Group
	cacheHits metric.Int64Counter

	mu    sync.RWMutex
	cache map[uint64]cachedClassification
}

// New creates a dispatcher. provider may be nil, in which case every
// classification returns the fallback type.
func New(provider llm.Provider, types TypeLister, logger *slog.Logger, cfg Config) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("rookery/dispatch")
	cacheHits, _ := meter.Int64Counter("rookery.dispatch.cache_hits",
		metric.WithDescription("Number of dispatch classifications served from cache"),
	)
	return &Dispatcher{
		provider:  provider,
		types:     types,
		logger:    logger,
		cfg:       cfg,
		cacheHits: cacheHits,
		cache:     make(map[uint64]cachedClassification),
	}
}

// fallback is the degraded outcome used on any classification failure.
func (d *Dispatcher) fallback(reasoning string) Classification {
	return Classification{
		AgentType:  d.cfg.FallbackType,
		Confidence: 0,
		Reasoning:  reasoning,
	}
}

// Classify maps a task description to an agent type. It never returns
// an error: any failure yields the fallback type with confidence 0.
// Concurrent calls for the same description share one LLM call.
func (d *Dispatcher) Classify(ctx context.Context, description string) Classification {
	if !d.cfg.Enabled {
		return d.fallback("dispatch disabled")
	}
	if d.provider == nil {
		return d.fallback("no llm provider configured")
	}
	description = strings.TrimSpace(description)
	if description == "" {
		return d.fallback("empty description")
	}

	key := cacheKey(description)
	if result, ok := d.cacheGet(key); ok {
		result.FromCache = true
		if d.cacheHits != nil {
			d.cacheHits.Add(ctx, 1)
		}
		return result
	}

	v, _, _ := d.group.Do(fmt.Sprintf("%x", key), func() (any, error) {
		result := d.classify(ctx, description)
		// Fallback results from transient failures are not cached so a
		// recovered provider gets a fresh chance.
		if result.Confidence > 0 {
			d.cacheSet(key, result)
		}
		return result, nil
	})
	return v.(Classification)
}

// classify performs the actual LLM call and response validation.
func (d *Dispatcher) classify(ctx context.Context, description string) Classification {
	defs := d.types.List()
	if len(defs) == 0 {
		return d.fallback("no agent types registered")
	}
	valid := make(map[string]bool, len(defs))
	for _, def := range defs {
		valid[def.Type] = true
	}

	messages := []model.ChatMessage{
		{Role: "system", Content: buildSystemPrompt(defs)},
		{Role: "user", Content: description},
	}
	completion, err := d.provider.Chat(ctx, messages, llm.Options{
		Model:       d.cfg.Model,
		MaxTokens:   d.cfg.MaxTokens,
		Temperature: 0,
	})
	if err != nil {
		d.logger.Warn("dispatch: classification call failed, using fallback", "error", err)
		return d.fallback("classifier unavailable")
	}

	var reply struct {
		AgentType  string  `json:"agentType"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(extractJSON(completion.Content)), &reply); err != nil {
		d.logger.Warn("dispatch: malformed classifier reply, using fallback", "error", err)
		return d.fallback("malformed classifier reply")
	}
	if !valid[reply.AgentType] {
		d.logger.Warn("dispatch: classifier returned unknown type, using fallback", "type", reply.AgentType)
		return d.fallback(fmt.Sprintf("unknown agent type %q", reply.AgentType))
	}

	result := Classification{
		AgentType:  reply.AgentType,
		Confidence: reply.Confidence,
		Reasoning:  reply.Reasoning,
	}
	if reply.Confidence < d.cfg.ConfidenceThreshold {
		// Low-confidence answers are never routed verbatim.
		result.AgentType = d.cfg.FallbackType
		result.Reasoning = fmt.Sprintf("confidence %.2f below threshold %.2f (classifier suggested %q): %s",
			reply.Confidence, d.cfg.ConfidenceThreshold, reply.AgentType, reply.Reasoning)
	}
	return result
}

// buildSystemPrompt enumerates the valid types and their capabilities
// and pins the strict JSON reply shape.
func buildSystemPrompt(defs []model.AgentDefinition) string {
	var b strings.Builder
	b.WriteString("You are a task router. Classify the user's task description into exactly one of these agent types:\n\n")
	for _, def := range defs {
		fmt.Fprintf(&b, "- %s: %s", def.Type, def.Description)
		if len(def.Capabilities) > 0 {
			fmt.Fprintf(&b, " (capabilities: %s)", strings.Join(def.Capabilities, ", "))
		}
		b.WriteString("\n")
	}
	b.WriteString("\nReply with ONLY a JSON object, no other text:\n")
	b.WriteString(`{"agentType": "<one of the types above>", "confidence": <0.0-1.0>, "reasoning": "<one sentence>"}`)
	return b.String()
}

// extractJSON pulls the first JSON object out of a reply that may be
// wrapped in prose or a markdown fence.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

// cacheKey hashes the truncated description with FNV-1a.
func cacheKey(description string) uint64 {
	if len(description) > maxHashedDescriptionLen {
		description = description[:maxHashedDescriptionLen]
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(description))
	return h.Sum64()
}

func (d *Dispatcher) cacheGet(key uint64) (Classification, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return Classification{}, false
	}
	return entry.result, true
}

func (d *Dispatcher) cacheSet(key uint64, result Classification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.cache) >= maxCacheEntries {
		d.pruneLocked()
	}
	d.cache[key] = cachedClassification{
		result:    result,
		expiresAt: time.Now().Add(d.cfg.CacheTTL),
	}
}

// pruneLocked drops expired entries, and if none were expired evicts
// arbitrary entries until under the cap. Caller holds d.mu.
func (d *Dispatcher) pruneLocked() {
	now := time.Now()
	for k, v := range d.cache {
		if now.After(v.expiresAt) {
			delete(d.cache, k)
		}
	}
	for k := range d.cache {
		if len(d.cache) < maxCacheEntries {
			break
		}
		delete(d.cache, k)
	}
}

// CacheSize returns the current number of cached classifications.
func (d *Dispatcher) CacheSize() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.cache)
}
