// Package drift implements semantic drift detection: blocking or warning
// when a new task's text is a near-duplicate of one of its ancestors,
// the classic symptom of agents looping on the same sub-problem.
//
// Drift detection is a non-critical enrichment of task creation, so it
// fails open on every collaborator failure: a down embedding API yields
// "allowed", never an error.
package drift

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/rookery-ai/rookery/internal/embedding"
	"github.com/rookery-ai/rookery/internal/events"
	"github.com/rookery-ai/rookery/internal/model"
	"github.com/rookery-ai/rookery/internal/search"
	"github.com/rookery-ai/rookery/internal/telemetry"
)

// Behavior selects what happens when similarity crosses the threshold.
type Behavior string

const (
	BehaviorPrevent Behavior = "prevent"
	BehaviorWarn    Behavior = "warn"
)

// Event names emitted by the drift service.
const (
	EventDriftPrevented = "drift:prevented"
	EventDriftWarned    = "drift:warned"
)

// Config tunes the detector. The zero value is a disabled detector.
type Config struct {
	Enabled bool
	// Threshold is the cosine similarity at or above which drift is
	// declared.
	Threshold float64
	// WarningThreshold, when > 0, marks similarities in
	// [WarningThreshold, Threshold) as warned-but-allowed.
	WarningThreshold float64
	Behavior         Behavior
	// AncestorDepth bounds the relationship-graph traversal.
	AncestorDepth int
}

// DefaultConfig returns the production defaults for an enabled detector.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		Threshold:        0.90,
		WarningThreshold: 0.80,
		Behavior:         BehaviorPrevent,
		AncestorDepth:    5,
	}
}

// Store is the persistence contract for embeddings, relationships and
// drift events.
type Store interface {
	GetTaskEmbedding(ctx context.Context, taskID uuid.UUID) (model.TaskEmbedding, error)
	UpsertTaskEmbedding(ctx context.Context, emb model.TaskEmbedding) error
	// ListParentEdges returns relationships pointing from taskID toward
	// its ancestors (parent_of and derived_from edges inbound to taskID).
	ListParentEdges(ctx context.Context, taskID uuid.UUID) ([]model.TaskRelationship, error)
	InsertDriftEvent(ctx context.Context, event model.DriftEvent) error
}

// Result is the outcome of a drift check.
type Result struct {
	IsDrift           bool              `json:"is_drift"`
	Action            model.DriftAction `json:"action"`
	SimilarityScore   float64           `json:"similarity_score"`
	MostSimilarTaskID *uuid.UUID        `json:"most_similar_task_id,omitempty"`
	AncestorsChecked  int               `json:"ancestors_checked"`
	Reason            string            `json:"reason,omitempty"`
}

// allowed is the fail-open default result.
func allowed(reason string) Result {
	return Result{Action: model.DriftAllowed, Reason: reason}
}

// Service is the drift detector.
type Service struct {
	store     Store
	provider  embedding.Provider // nil disables detection
	index     search.Indexer     // nil when no vector index is configured
	logger    *slog.Logger
	emitter   events.Emitter
	cfg       Config
	prevented metric.Int64Counter
}

// NewService creates a drift detector. provider may be nil, in which
// case every check returns allowed.
func NewService(store Store, provider embedding.Provider, emitter events.Emitter, logger *slog.Logger, cfg Config) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = events.Noop{}
	}
	meter := telemetry.Meter("rookery/drift")
	prevented, _ := meter.Int64Counter("rookery.drift.prevented",
		metric.WithDescription("Number of tasks blocked by drift detection"),
	)
	return &Service{store: store, provider: provider, logger: logger, emitter: emitter, cfg: cfg, prevented: prevented}
}

// Reconfigure swaps the detector configuration.
func (s *Service) Reconfigure(cfg Config) { s.cfg = cfg }

// AttachIndex mirrors subsequent IndexTask writes into an external
// vector index. Postgres stays the source of truth; index failures are
// logged, never returned to callers.
func (s *Service) AttachIndex(idx search.Indexer) { s.index = idx }

// CheckDrift compares a new task's input against the stored embeddings of
// its ancestors. Never returns an error for collaborator failures — the
// permissive default wins whenever detection cannot run.
func (s *Service) CheckDrift(ctx context.Context, input, taskType string, parentTaskID *uuid.UUID) Result {
	if !s.cfg.Enabled {
		return allowed("drift detection disabled")
	}
	if s.provider == nil {
		return allowed("no embedding provider configured")
	}
	if parentTaskID == nil {
		return allowed("root task has no ancestors")
	}

	ancestors := s.collectAncestors(ctx, *parentTaskID)
	if len(ancestors) == 0 {
		return allowed("no ancestors found")
	}

	newVec, err := s.provider.Embed(ctx, input)
	if err != nil {
		s.logger.Warn("drift: embedding failed, allowing task", "error", err)
		return allowed("embedding unavailable")
	}

	var (
		maxScore    float64
		mostSimilar uuid.UUID
		checked     int
	)
	for _, ancestorID := range ancestors {
		stored, err := s.store.GetTaskEmbedding(ctx, ancestorID)
		if err != nil {
			continue // unindexed ancestor: nothing to compare
		}
		checked++
		score := CosineSimilarity(newVec.Slice(), stored.Embedding.Slice())
		if score > maxScore {
			maxScore = score
			mostSimilar = ancestorID
		}
	}
	if checked == 0 {
		return allowed("no indexed ancestors")
	}

	result := Result{
		SimilarityScore:   maxScore,
		MostSimilarTaskID: &mostSimilar,
		AncestorsChecked:  checked,
	}

	switch {
	case maxScore >= s.cfg.Threshold:
		result.IsDrift = true
		if s.cfg.Behavior == BehaviorPrevent {
			result.Action = model.DriftPrevented
			s.prevented.Add(ctx, 1)
		} else {
			result.Action = model.DriftWarned
		}
		result.Reason = fmt.Sprintf("similarity %.3f >= threshold %.3f with ancestor %s", maxScore, s.cfg.Threshold, mostSimilar)
		s.logDriftEvent(ctx, taskType, input, mostSimilar, maxScore, result.Action)
	case s.cfg.WarningThreshold > 0 && maxScore >= s.cfg.WarningThreshold:
		result.Action = model.DriftWarned
		result.Reason = fmt.Sprintf("similarity %.3f >= warning threshold %.3f", maxScore, s.cfg.WarningThreshold)
		// Warned-but-not-drift outcomes are not persisted; only
		// actionable drift events feed the metrics history.
	default:
		result.Action = model.DriftAllowed
	}
	return result
}

// collectAncestors walks parent_of/derived_from edges breadth-first up
// to AncestorDepth hops. The visited set tolerates accidental cycles in
// a graph that is only conceptually a DAG.
func (s *Service) collectAncestors(ctx context.Context, startID uuid.UUID) []uuid.UUID {
	depth := s.cfg.AncestorDepth
	if depth <= 0 {
		depth = 5
	}

	visited := map[uuid.UUID]bool{}
	frontier := []uuid.UUID{startID}
	var ancestors []uuid.UUID

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []uuid.UUID
		for _, id := range frontier {
			if visited[id] {
				continue
			}
			visited[id] = true
			ancestors = append(ancestors, id)

			edges, err := s.store.ListParentEdges(ctx, id)
			if err != nil {
				s.logger.Debug("drift: list parent edges failed", "task_id", id, "error", err)
				continue
			}
			for _, e := range edges {
				if e.RelationshipType != model.RelationshipParentOf && e.RelationshipType != model.RelationshipDerivedFrom {
					continue
				}
				if !visited[e.FromTaskID] {
					next = append(next, e.FromTaskID)
				}
			}
		}
		frontier = next
	}
	return ancestors
}

// logDriftEvent persists an actionable drift outcome. Persistence
// failures are logged and swallowed.
func (s *Service) logDriftEvent(ctx context.Context, taskType, input string, ancestorID uuid.UUID, score float64, action model.DriftAction) {
	inputCopy := input
	event := model.DriftEvent{
		ID:              uuid.New(),
		TaskType:        taskType,
		AncestorTaskID:  ancestorID,
		SimilarityScore: score,
		Threshold:       s.cfg.Threshold,
		ActionTaken:     action,
		TaskInput:       &inputCopy,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.store.InsertDriftEvent(ctx, event); err != nil {
		s.logger.Warn("drift: insert event failed", "error", err)
	}

	name := EventDriftWarned
	if action == model.DriftPrevented {
		name = EventDriftPrevented
	}
	s.emitter.Emit(name, map[string]any{
		"task_type":        taskType,
		"ancestor_task_id": ancestorID,
		"similarity":       score,
	})
}

// IndexTask computes and stores the embedding for a task's input so
// future descendants can be compared against it. When a vector index is
// attached the point is mirrored there too, best-effort.
func (s *Service) IndexTask(ctx context.Context, task model.Task) error {
	if s.provider == nil {
		return nil
	}
	vec, err := s.provider.Embed(ctx, task.Input)
	if err != nil {
		return fmt.Errorf("drift: embed task %s: %w", task.ID, err)
	}
	modelName := "unknown"
	if namer, ok := s.provider.(interface{ ModelName() string }); ok {
		modelName = namer.ModelName()
	}
	emb := model.TaskEmbedding{
		TaskID:     task.ID,
		Embedding:  vec,
		Model:      modelName,
		Dimensions: s.provider.Dimensions(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.UpsertTaskEmbedding(ctx, emb); err != nil {
		return fmt.Errorf("drift: store embedding for task %s: %w", task.ID, err)
	}
	if s.index != nil {
		point := search.Point{
			TaskID:    task.ID,
			AgentType: task.AgentType,
			Status:    string(task.Status),
			CreatedAt: task.CreatedAt,
			Embedding: vec.Slice(),
		}
		if err := s.index.Upsert(ctx, []search.Point{point}); err != nil {
			s.logger.Warn("drift: index upsert failed", "task_id", task.ID, "error", err)
		}
	}
	return nil
}

// IndexTaskAsync indexes in a supervised background goroutine: the
// caller is never blocked and never observes a failure, but failures are
// still logged for diagnosis.
func (s *Service) IndexTaskAsync(task model.Task) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("drift: async index panicked", "task_id", task.ID, "panic", r)
			}
		}()
		if err := s.IndexTask(ctx, task); err != nil {
			s.logger.Warn("drift: async index failed", "task_id", task.ID, "error", err)
		}
	}()
}

// DeindexTask evicts a deleted task's point from the vector index.
// Postgres cascades handle the embedding row; this is the index side.
func (s *Service) DeindexTask(ctx context.Context, taskID uuid.UUID) {
	if s.index == nil {
		return
	}
	if err := s.index.DeleteByIDs(ctx, []uuid.UUID{taskID}); err != nil {
		s.logger.Warn("drift: index eviction failed", "task_id", taskID, "error", err)
	}
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths or zero vectors yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
