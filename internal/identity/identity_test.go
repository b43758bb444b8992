package identity_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rookery-ai/rookery/internal/events"
	"github.com/rookery-ai/rookery/internal/identity"
	"github.com/rookery-ai/rookery/internal/model"
	"github.com/rookery-ai/rookery/internal/testutil"
)

// memStore is an in-memory Store for exercising the service without a
// database.
type memStore struct {
	mu         sync.Mutex
	identities map[uuid.UUID]model.AgentIdentity
	audits     map[uuid.UUID][]model.IdentityAuditEntry
}

func newMemStore() *memStore {
	return &memStore{
		identities: map[uuid.UUID]model.AgentIdentity{},
		audits:     map[uuid.UUID][]model.IdentityAuditEntry{},
	}
}

func (m *memStore) CreateIdentity(_ context.Context, id model.AgentIdentity, audits []model.IdentityAuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[id.AgentID] = id
	m.audits[id.AgentID] = append(m.audits[id.AgentID], audits...)
	return nil
}

func (m *memStore) GetIdentity(_ context.Context, agentID uuid.UUID) (model.AgentIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.identities[agentID]
	if !ok {
		return model.AgentIdentity{}, identity.ErrNotFound
	}
	return id, nil
}

func (m *memStore) ListIdentities(_ context.Context, status *model.IdentityStatus, limit, offset int) ([]model.AgentIdentity, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AgentIdentity
	for _, id := range m.identities {
		if status != nil && id.Status != *status {
			continue
		}
		out = append(out, id)
	}
	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

func (m *memStore) UpdateIdentity(_ context.Context, id model.AgentIdentity, audit model.IdentityAuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.identities[id.AgentID]; !ok {
		return identity.ErrNotFound
	}
	m.identities[id.AgentID] = id
	m.audits[id.AgentID] = append(m.audits[id.AgentID], audit)
	return nil
}

func (m *memStore) ListAudit(_ context.Context, agentID uuid.UUID, limit, offset int) ([]model.IdentityAuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := append([]model.IdentityAuditEntry(nil), m.audits[agentID]...)
	if offset > len(entries) {
		offset = len(entries)
	}
	entries = entries[offset:]
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries, nil
}

// tamperHash rewrites the stored content hash of the latest audit entry.
func (m *memStore) tamperHash(agentID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.audits[agentID]
	entries[len(entries)-1].ContentHash = "0000"
}

func newService(store identity.Store, emitter events.Emitter) *identity.Service {
	return identity.NewService(store, emitter, testutil.TestLogger())
}

func TestCreateRequiresAgentType(t *testing.T) {
	svc := newService(newMemStore(), nil)
	_, err := svc.Create(context.Background(), identity.CreateRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent_type is required")
}

func TestCreateWritesRecordAndAudit(t *testing.T) {
	store := newMemStore()
	var emitted []string
	svc := newService(store, events.Func(func(event string, _ any) {
		emitted = append(emitted, event)
	}))

	name := "scout"
	id, err := svc.Create(context.Background(), identity.CreateRequest{
		AgentType:    "research",
		Capabilities: []string{"search"},
		DisplayName:  &name,
	})
	require.NoError(t, err)
	assert.Equal(t, model.IdentityStatusCreated, id.Status)
	assert.Equal(t, 1, id.Version)
	assert.NotNil(t, id.Metadata, "metadata defaults to an empty map")

	audits, err := svc.AuditTrail(context.Background(), id.AgentID, 10, 0)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, model.AuditActionCreated, audits[0].Action)
	require.NotNil(t, audits[0].NewStatus)
	assert.Equal(t, model.IdentityStatusCreated, *audits[0].NewStatus)
	assert.NotEmpty(t, audits[0].ContentHash)

	assert.Equal(t, []string{identity.EventIdentityCreated}, emitted)
}

func TestCreateAutoActivate(t *testing.T) {
	store := newMemStore()
	svc := newService(store, nil)

	id, err := svc.Create(context.Background(), identity.CreateRequest{
		AgentType:    "code",
		AutoActivate: true,
	})
	require.NoError(t, err)
	assert.Equal(t, model.IdentityStatusActive, id.Status)

	// Newest first: activated, then created.
	audits, err := svc.AuditTrail(context.Background(), id.AgentID, 10, 0)
	require.NoError(t, err)
	require.Len(t, audits, 2)
	assert.Equal(t, model.AuditActionActivated, audits[0].Action)
	require.NotNil(t, audits[0].PreviousStatus)
	assert.Equal(t, model.IdentityStatusCreated, *audits[0].PreviousStatus)
	assert.Equal(t, model.AuditActionCreated, audits[1].Action)
	assert.True(t, audits[0].Timestamp.After(audits[1].Timestamp))
}

func TestCanTransitionTable(t *testing.T) {
	cases := []struct {
		from, to model.IdentityStatus
		ok       bool
	}{
		{model.IdentityStatusCreated, model.IdentityStatusActive, true},
		{model.IdentityStatusCreated, model.IdentityStatusRetired, true},
		{model.IdentityStatusCreated, model.IdentityStatusDormant, false},
		{model.IdentityStatusActive, model.IdentityStatusDormant, true},
		{model.IdentityStatusActive, model.IdentityStatusRetired, true},
		{model.IdentityStatusActive, model.IdentityStatusCreated, false},
		{model.IdentityStatusActive, model.IdentityStatusActive, false},
		{model.IdentityStatusDormant, model.IdentityStatusActive, true},
		{model.IdentityStatusDormant, model.IdentityStatusRetired, true},
		{model.IdentityStatusDormant, model.IdentityStatusCreated, false},
		{model.IdentityStatusRetired, model.IdentityStatusActive, false},
		{model.IdentityStatusRetired, model.IdentityStatusDormant, false},
		{model.IdentityStatusRetired, model.IdentityStatusRetired, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, identity.CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestActivateDeactivateCycle(t *testing.T) {
	svc := newService(newMemStore(), nil)
	id, err := svc.Create(context.Background(), identity.CreateRequest{AgentType: "general"})
	require.NoError(t, err)

	activated, err := svc.Activate(context.Background(), id.AgentID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.IdentityStatusActive, activated.Status)
	assert.Equal(t, 2, activated.Version)

	// active -> active is outside the table.
	_, err = svc.Activate(context.Background(), id.AgentID, nil)
	var invalidErr *identity.InvalidTransitionError
	require.ErrorAs(t, err, &invalidErr)
	assert.Equal(t, model.IdentityStatusActive, invalidErr.From)

	dormant, err := svc.Deactivate(context.Background(), id.AgentID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.IdentityStatusDormant, dormant.Status)

	reactivated, err := svc.Activate(context.Background(), id.AgentID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.IdentityStatusActive, reactivated.Status)
	assert.False(t, reactivated.LastActiveAt.Before(dormant.LastActiveAt))
}

func TestDeactivateRequiresActive(t *testing.T) {
	svc := newService(newMemStore(), nil)
	id, err := svc.Create(context.Background(), identity.CreateRequest{AgentType: "general"})
	require.NoError(t, err)

	_, err = svc.Deactivate(context.Background(), id.AgentID, nil)
	var invalidErr *identity.InvalidTransitionError
	require.ErrorAs(t, err, &invalidErr)
	assert.Equal(t, model.IdentityStatusCreated, invalidErr.From)
	assert.Equal(t, model.IdentityStatusDormant, invalidErr.To)
}

func TestRetireStampsReasonAndEmits(t *testing.T) {
	var retired int
	svc := newService(newMemStore(), events.Func(func(event string, _ any) {
		if event == identity.EventIdentityRetired {
			retired++
		}
	}))

	id, err := svc.Create(context.Background(), identity.CreateRequest{AgentType: "general"})
	require.NoError(t, err)

	got, err := svc.Retire(context.Background(), id.AgentID, "obsolete", nil)
	require.NoError(t, err)
	assert.Equal(t, model.IdentityStatusRetired, got.Status)
	require.NotNil(t, got.RetiredAt)
	require.NotNil(t, got.RetirementReason)
	assert.Equal(t, "obsolete", *got.RetirementReason)
	assert.Equal(t, 1, retired)

	// Retired is absorbing.
	_, err = svc.Retire(context.Background(), id.AgentID, "again", nil)
	var invalidErr *identity.InvalidTransitionError
	require.ErrorAs(t, err, &invalidErr)
	assert.Contains(t, invalidErr.Error(), "none")
}

func TestUpdatePreservesUnsetFields(t *testing.T) {
	svc := newService(newMemStore(), nil)
	name := "scout"
	id, err := svc.Create(context.Background(), identity.CreateRequest{
		AgentType:    "research",
		Capabilities: []string{"search"},
		DisplayName:  &name,
	})
	require.NoError(t, err)

	updated, err := svc.Update(context.Background(), id.AgentID, identity.UpdateRequest{
		Capabilities: []string{"search", "synthesis"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"search", "synthesis"}, updated.Capabilities)
	require.NotNil(t, updated.DisplayName)
	assert.Equal(t, "scout", *updated.DisplayName, "unset fields survive the update")
	assert.Equal(t, 2, updated.Version)

	audits, err := svc.AuditTrail(context.Background(), id.AgentID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, model.AuditActionUpdated, audits[0].Action)
}

func TestUpdateRejectsRetired(t *testing.T) {
	svc := newService(newMemStore(), nil)
	id, err := svc.Create(context.Background(), identity.CreateRequest{AgentType: "general"})
	require.NoError(t, err)
	_, err = svc.Retire(context.Background(), id.AgentID, "", nil)
	require.NoError(t, err)

	_, err = svc.Update(context.Background(), id.AgentID, identity.UpdateRequest{Capabilities: []string{"x"}})
	var retiredErr *identity.RetiredError
	require.ErrorAs(t, err, &retiredErr)
	assert.Equal(t, id.AgentID, retiredErr.AgentID)
}

func TestRecordSpawn(t *testing.T) {
	svc := newService(newMemStore(), nil)
	id, err := svc.Create(context.Background(), identity.CreateRequest{AgentType: "general", AutoActivate: true})
	require.NoError(t, err)

	spawnedID := uuid.New()
	require.NoError(t, svc.RecordSpawn(context.Background(), id.AgentID, spawnedID))

	audits, err := svc.AuditTrail(context.Background(), id.AgentID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, model.AuditActionSpawned, audits[0].Action)
	assert.Equal(t, spawnedID.String(), audits[0].Metadata["spawned_agent_id"])

	got, err := svc.Get(context.Background(), id.AgentID)
	require.NoError(t, err)
	assert.False(t, got.LastActiveAt.Before(id.LastActiveAt))

	_, err = svc.Retire(context.Background(), id.AgentID, "", nil)
	require.NoError(t, err)
	var retiredErr *identity.RetiredError
	assert.ErrorAs(t, svc.RecordSpawn(context.Background(), id.AgentID, uuid.New()), &retiredErr)
}

func TestGetUnknownIdentity(t *testing.T) {
	svc := newService(newMemStore(), nil)
	missing := uuid.New()

	_, err := svc.Get(context.Background(), missing)
	var notFoundErr *identity.NotFoundError
	require.ErrorAs(t, err, &notFoundErr)
	assert.Equal(t, missing, notFoundErr.AgentID)

	_, err = svc.Activate(context.Background(), missing, nil)
	assert.ErrorAs(t, err, &notFoundErr)
}

func TestListFiltersByStatus(t *testing.T) {
	svc := newService(newMemStore(), nil)
	_, err := svc.Create(context.Background(), identity.CreateRequest{AgentType: "general"})
	require.NoError(t, err)
	active, err := svc.Create(context.Background(), identity.CreateRequest{AgentType: "code", AutoActivate: true})
	require.NoError(t, err)

	status := model.IdentityStatusActive
	got, total, err := svc.List(context.Background(), &status, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, got, 1)
	assert.Equal(t, active.AgentID, got[0].AgentID)

	_, total, err = svc.List(context.Background(), nil, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestAuditTrailReturnsTamperedEntries(t *testing.T) {
	store := newMemStore()
	svc := newService(store, nil)
	id, err := svc.Create(context.Background(), identity.CreateRequest{AgentType: "general"})
	require.NoError(t, err)

	store.tamperHash(id.AgentID)

	// Tampering is logged, not hidden: the entry still comes back.
	audits, err := svc.AuditTrail(context.Background(), id.AgentID, 10, 0)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "0000", audits[0].ContentHash)
}

func TestAuditTimestampsAreUTC(t *testing.T) {
	svc := newService(newMemStore(), nil)
	id, err := svc.Create(context.Background(), identity.CreateRequest{AgentType: "general"})
	require.NoError(t, err)

	audits, err := svc.AuditTrail(context.Background(), id.AgentID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, audits[0].Timestamp.Location())
}
