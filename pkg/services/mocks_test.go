package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-records/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-records/pkg/jsonutil"
	"github.com/ekaya-inc/ekaya-records/pkg/models"
	"github.com/ekaya-inc/ekaya-records/pkg/repositories"
	"github.com/ekaya-inc/ekaya-records/pkg/schema"
)

// ============================================================================
// Schema source
// ============================================================================

type mockSchemaSource struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*schema.Entry
	err     error
}

func newMockSchemaSource() *mockSchemaSource {
	return &mockSchemaSource{entries: make(map[uuid.UUID]*schema.Entry)}
}

func (m *mockSchemaSource) add(def *models.EntityDefinition, fields ...*models.Field) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[def.ID] = &schema.Entry{Definition: def, Fields: fields}
}

func (m *mockSchemaSource) Entry(ctx context.Context, id uuid.UUID, forceRefresh bool) (*schema.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	entry, ok := m.entries[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return entry, nil
}

// ============================================================================
// In-memory store shared by the repository mocks
// ============================================================================

// memStore backs the instance, relation and file mocks. Each repository
// method call is counted so tests can assert round trips.
type memStore struct {
	mu        sync.Mutex
	instances map[uuid.UUID]*models.EntityInstance
	edges     []*models.RelationEdge
	files     []*models.FileAssociation
	calls     map[string]int
	failOn    map[string]error
	clock     time.Time
}

func newMemStore() *memStore {
	return &memStore{
		instances: make(map[uuid.UUID]*models.EntityInstance),
		calls:     make(map[string]int),
		failOn:    make(map[string]error),
		clock:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// record counts a call and returns the configured failure for it. Callers hold mu.
func (s *memStore) record(method string) error {
	s.calls[method]++
	return s.failOn[method]
}

func (s *memStore) callCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *memStore) resetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[string]int)
}

func (s *memStore) tick() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func copyInstance(inst *models.EntityInstance) *models.EntityInstance {
	cp := *inst
	cp.Attributes = inst.Attributes.Clone()
	return &cp
}

// ---------------------------------------------------------------------------

type mockInstanceRepo struct{ s *memStore }

var _ repositories.EntityInstanceRepository = (*mockInstanceRepo)(nil)

func (r *mockInstanceRepo) Create(ctx context.Context, inst *models.EntityInstance) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.record("instances.Create"); err != nil {
		return err
	}
	if inst.ID == uuid.Nil {
		inst.ID = uuid.New()
	}
	now := r.s.tick()
	inst.CreatedAt, inst.UpdatedAt = now, now
	r.s.instances[inst.ID] = copyInstance(inst)
	return nil
}

func (r *mockInstanceRepo) GetByID(ctx context.Context, tenantID, id uuid.UUID, entityDefinitionID *uuid.UUID) (*models.EntityInstance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.record("instances.GetByID"); err != nil {
		return nil, err
	}
	inst, ok := r.s.instances[id]
	if !ok || inst.TenantID != tenantID || (entityDefinitionID != nil && inst.EntityDefinitionID != *entityDefinitionID) {
		return nil, apperrors.ErrNotFound
	}
	return copyInstance(inst), nil
}

func (r *mockInstanceRepo) GetByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]*models.EntityInstance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.record("instances.GetByIDs"); err != nil {
		return nil, err
	}
	var out []*models.EntityInstance
	for _, id := range ids {
		if inst, ok := r.s.instances[id]; ok && inst.TenantID == tenantID {
			out = append(out, copyInstance(inst))
		}
	}
	return out, nil
}

func (r *mockInstanceRepo) Update(ctx context.Context, tenantID, id uuid.UUID, partial models.Attributes) (*models.EntityInstance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.record("instances.Update"); err != nil {
		return nil, err
	}
	inst, ok := r.s.instances[id]
	if !ok || inst.TenantID != tenantID {
		return nil, apperrors.ErrNotFound
	}
	inst.Attributes = inst.Attributes.Merge(partial)
	inst.UpdatedAt = r.s.tick()
	return copyInstance(inst), nil
}

func (r *mockInstanceRepo) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.record("instances.Delete"); err != nil {
		return err
	}
	inst, ok := r.s.instances[id]
	if !ok || inst.TenantID != tenantID {
		return apperrors.ErrNotFound
	}
	delete(r.s.instances, id)
	return nil
}

func (r *mockInstanceRepo) List(ctx context.Context, q *models.InstanceQuery) ([]*models.EntityInstance, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.record("instances.List"); err != nil {
		return nil, 0, err
	}
	return r.page(q, nil)
}

func (r *mockInstanceRepo) Search(ctx context.Context, q *models.InstanceQuery) ([]*models.EntityInstance, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.record("instances.Search"); err != nil {
		return nil, 0, err
	}
	term := strings.ToLower(q.Search)
	return r.page(q, func(inst *models.EntityInstance) bool {
		for _, f := range q.SearchFields {
			if v, ok := inst.Attributes[f]; ok && strings.Contains(strings.ToLower(jsonutil.FlexibleString(v)), term) {
				return true
			}
		}
		return false
	})
}

func (r *mockInstanceRepo) page(q *models.InstanceQuery, match func(*models.EntityInstance) bool) ([]*models.EntityInstance, int, error) {
	var restrict map[uuid.UUID]bool
	if q.RestrictIDs != nil {
		restrict = make(map[uuid.UUID]bool, len(q.RestrictIDs))
		for _, id := range q.RestrictIDs {
			restrict[id] = true
		}
	}

	var hits []*models.EntityInstance
	for _, inst := range r.s.instances {
		if inst.TenantID != q.TenantID || inst.EntityDefinitionID != q.EntityDefinitionID {
			continue
		}
		if restrict != nil && !restrict[inst.ID] {
			continue
		}
		if !matchesFilters(inst, q.AttributeFilters) {
			continue
		}
		if match != nil && !match(inst) {
			continue
		}
		hits = append(hits, inst)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		less := sortLess(hits[i], hits[j], q.Sort)
		if q.Sort.Direction == models.SortDesc {
			return sortLess(hits[j], hits[i], q.Sort)
		}
		return less
	})

	total := len(hits)
	var out []*models.EntityInstance
	for i := q.Offset; i < total && len(out) < q.Limit; i++ {
		out = append(out, copyInstance(hits[i]))
	}
	return out, total, nil
}

func matchesFilters(inst *models.EntityInstance, filters map[string][]string) bool {
	for key, accepted := range filters {
		v, ok := inst.Attributes[key]
		if !ok {
			return false
		}
		text := jsonutil.FlexibleString(v)
		found := false
		for _, a := range accepted {
			if a == text {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func sortLess(a, b *models.EntityInstance, s models.AttributeSort) bool {
	switch {
	case s.System && s.Field == models.SortFieldUpdatedAt:
		return a.UpdatedAt.Before(b.UpdatedAt)
	case s.System:
		return a.CreatedAt.Before(b.CreatedAt)
	case s.Numeric:
		x, _ := jsonutil.FlexibleNumber(a.Attributes[s.Field])
		y, _ := jsonutil.FlexibleNumber(b.Attributes[s.Field])
		return x < y
	}
	return jsonutil.FlexibleString(a.Attributes[s.Field]) < jsonutil.FlexibleString(b.Attributes[s.Field])
}

// ---------------------------------------------------------------------------

type mockRelationRepo struct{ s *memStore }

var _ repositories.EntityRelationRepository = (*mockRelationRepo)(nil)

func (r *mockRelationRepo) CreateEdges(ctx context.Context, edges []*models.RelationEdge) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.record("relations.CreateEdges"); err != nil {
		return err
	}
	for _, e := range edges {
		dup := false
		for _, existing := range r.s.edges {
			if existing.SourceInstanceID == e.SourceInstanceID &&
				existing.RelationFieldID == e.RelationFieldID &&
				existing.TargetInstanceID == e.TargetInstanceID {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		cp := *e
		cp.ID = uuid.New()
		cp.CreatedAt = r.s.tick()
		r.s.edges = append(r.s.edges, &cp)
	}
	return nil
}

func (r *mockRelationRepo) DeleteBySourceAndFields(ctx context.Context, tenantID, sourceID uuid.UUID, fieldIDs []uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.record("relations.DeleteBySourceAndFields"); err != nil {
		return err
	}
	drop := make(map[uuid.UUID]bool, len(fieldIDs))
	for _, id := range fieldIDs {
		drop[id] = true
	}
	kept := r.s.edges[:0]
	for _, e := range r.s.edges {
		if e.TenantID == tenantID && e.SourceInstanceID == sourceID && drop[e.RelationFieldID] {
			continue
		}
		kept = append(kept, e)
	}
	r.s.edges = kept
	return nil
}

func (r *mockRelationRepo) DeleteByInstance(ctx context.Context, tenantID, instanceID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.record("relations.DeleteByInstance"); err != nil {
		return err
	}
	kept := r.s.edges[:0]
	for _, e := range r.s.edges {
		if e.TenantID == tenantID && (e.SourceInstanceID == instanceID || e.TargetInstanceID == instanceID) {
			continue
		}
		kept = append(kept, e)
	}
	r.s.edges = kept
	return nil
}

func (r *mockRelationRepo) GetBySourcesAndFields(ctx context.Context, tenantID uuid.UUID, sourceIDs, fieldIDs []uuid.UUID) ([]*models.RelationEdge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.record("relations.GetBySourcesAndFields"); err != nil {
		return nil, err
	}
	sources := toSet(sourceIDs)
	fields := toSet(fieldIDs)
	var out []*models.RelationEdge
	for _, e := range r.s.edges {
		if e.TenantID == tenantID && sources[e.SourceInstanceID] && fields[e.RelationFieldID] {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *mockRelationRepo) GetTargets(ctx context.Context, tenantID, sourceID, fieldID uuid.UUID) ([]uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.record("relations.GetTargets"); err != nil {
		return nil, err
	}
	var out []uuid.UUID
	for _, e := range r.s.edges {
		if e.TenantID == tenantID && e.SourceInstanceID == sourceID && e.RelationFieldID == fieldID {
			out = append(out, e.TargetInstanceID)
		}
	}
	return out, nil
}

func (r *mockRelationRepo) FindSourcesAny(ctx context.Context, tenantID uuid.UUID, targetsByField map[uuid.UUID][]uuid.UUID) ([]uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.record("relations.FindSourcesAny"); err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, e := range r.s.edges {
		if e.TenantID != tenantID || seen[e.SourceInstanceID] {
			continue
		}
		if toSet(targetsByField[e.RelationFieldID])[e.TargetInstanceID] {
			seen[e.SourceInstanceID] = true
			out = append(out, e.SourceInstanceID)
		}
	}
	return out, nil
}

func (r *mockRelationRepo) FindSourcesAll(ctx context.Context, tenantID uuid.UUID, targetsByField map[uuid.UUID][]uuid.UUID) ([]models.SourceMatch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.record("relations.FindSourcesAll"); err != nil {
		return nil, err
	}
	type key struct{ field, source uuid.UUID }
	counts := make(map[key]map[uuid.UUID]bool)
	for _, e := range r.s.edges {
		if e.TenantID != tenantID || !toSet(targetsByField[e.RelationFieldID])[e.TargetInstanceID] {
			continue
		}
		k := key{e.RelationFieldID, e.SourceInstanceID}
		if counts[k] == nil {
			counts[k] = make(map[uuid.UUID]bool)
		}
		counts[k][e.TargetInstanceID] = true
	}
	var out []models.SourceMatch
	for k, targets := range counts {
		out = append(out, models.SourceMatch{FieldID: k.field, SourceID: k.source, MatchedTargets: len(targets)})
	}
	return out, nil
}

// ---------------------------------------------------------------------------

type mockFileRepo struct{ s *memStore }

var _ repositories.FileAssociationRepository = (*mockFileRepo)(nil)

func (r *mockFileRepo) GetByInstancesAndFields(ctx context.Context, tenantID uuid.UUID, instanceIDs, fieldIDs []uuid.UUID) ([]*models.FileAssociation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.record("files.GetByInstancesAndFields"); err != nil {
		return nil, err
	}
	instances := toSet(instanceIDs)
	fields := toSet(fieldIDs)
	var out []*models.FileAssociation
	for _, f := range r.s.files {
		if f.TenantID == tenantID && instances[f.InstanceID] && fields[f.FieldID] {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *mockFileRepo) Replace(ctx context.Context, tenantID, instanceID, fieldID uuid.UUID, fileIDs []uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.record("files.Replace"); err != nil {
		return err
	}
	kept := r.s.files[:0]
	for _, f := range r.s.files {
		if f.TenantID == tenantID && f.InstanceID == instanceID && f.FieldID == fieldID {
			continue
		}
		kept = append(kept, f)
	}
	r.s.files = kept
	for _, id := range fileIDs {
		r.s.files = append(r.s.files, &models.FileAssociation{
			FileID: id, InstanceID: instanceID, FieldID: fieldID, TenantID: tenantID, CreatedAt: r.s.tick(),
		})
	}
	return nil
}

func (r *mockFileRepo) DeleteByInstance(ctx context.Context, tenantID, instanceID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.record("files.DeleteByInstance"); err != nil {
		return err
	}
	kept := r.s.files[:0]
	for _, f := range r.s.files {
		if f.TenantID == tenantID && f.InstanceID == instanceID {
			continue
		}
		kept = append(kept, f)
	}
	r.s.files = kept
	return nil
}

func toSet(ids []uuid.UUID) map[uuid.UUID]bool {
	set := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// ============================================================================
// Transactions and tenant contexts
// ============================================================================

// mockTx runs fn directly and counts transactions. failFirst makes the first
// n attempts fail with err before fn runs.
type mockTx struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	err       error
}

func (m *mockTx) run(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	m.calls++
	fail := m.calls <= m.failFirst
	m.mu.Unlock()
	if fail {
		return m.err
	}
	return fn(ctx)
}

// countingTenantContext hands out branch contexts and tracks open ones.
type countingTenantContext struct {
	mu       sync.Mutex
	acquired int
	released int
	err      error
}

func (c *countingTenantContext) fn(ctx context.Context, tenantID uuid.UUID) (context.Context, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, nil, c.err
	}
	c.acquired++
	return ctx, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.released++
	}, nil
}

func (c *countingTenantContext) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquired, c.released = 0, 0
}

var errBoom = errors.New("boom")
