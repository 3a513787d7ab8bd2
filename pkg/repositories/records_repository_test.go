//go:build integration

package repositories

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-records/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-records/pkg/models"
	"github.com/ekaya-inc/ekaya-records/pkg/testhelpers"
)

// recordsTestContext holds a fresh tenant with a Task/User schema.
type recordsTestContext struct {
	t         *testing.T
	ctx       context.Context
	tenantID  uuid.UUID
	defs      EntityDefinitionRepository
	instances EntityInstanceRepository
	relations EntityRelationRepository
	files     FileAssociationRepository

	user     *models.EntityDefinition
	task     *models.EntityDefinition
	title    *models.Field
	estimate *models.Field
	assignee *models.Field
	watchers *models.Field
	attached *models.Field
}

func setupRecordsTest(t *testing.T) *recordsTestContext {
	t.Helper()
	db := testhelpers.GetRecordsDB(t)

	tenantID := uuid.New()
	tc := &recordsTestContext{
		t:         t,
		ctx:       db.TenantContext(t, tenantID),
		tenantID:  tenantID,
		defs:      NewEntityDefinitionRepository(),
		instances: NewEntityInstanceRepository(),
		relations: NewEntityRelationRepository(),
		files:     NewFileAssociationRepository(),
	}

	tc.user = tc.createDefinition("User")
	tc.task = tc.createDefinition("Task")
	tc.title = tc.createField(tc.task, "title", models.FieldKindString, nil)
	tc.estimate = tc.createField(tc.task, "estimate", models.FieldKindNumber, nil)
	tc.assignee = tc.createField(tc.task, "assignee", models.FieldKindManyToOne, &tc.user.ID)
	tc.watchers = tc.createField(tc.task, "watchers", models.FieldKindManyToMany, &tc.user.ID)
	tc.attached = tc.createField(tc.task, "attachments", models.FieldKindFileArray, nil)
	return tc
}

func (tc *recordsTestContext) createDefinition(name string) *models.EntityDefinition {
	tc.t.Helper()
	def := &models.EntityDefinition{
		TenantID:        tc.tenantID,
		Name:            name,
		TableName:       name + "s",
		CreateLevel:     models.AccessUser,
		ReadLevel:       models.AccessAuthenticated,
		UpdateLevel:     models.AccessUser,
		DeleteLevel:     models.AccessData,
		DefaultPageSize: 10,
	}
	require.NoError(tc.t, tc.defs.Create(tc.ctx, def))
	return def
}

func (tc *recordsTestContext) createField(def *models.EntityDefinition, name string, kind models.FieldKind, related *uuid.UUID) *models.Field {
	tc.t.Helper()
	f := &models.Field{
		EntityDefinitionID:        def.ID,
		TenantID:                  tc.tenantID,
		Name:                      name,
		Kind:                      kind,
		RelatedEntityDefinitionID: related,
	}
	require.NoError(tc.t, tc.defs.CreateField(tc.ctx, f))
	return f
}

func (tc *recordsTestContext) createInstance(def *models.EntityDefinition, attrs models.Attributes) *models.EntityInstance {
	tc.t.Helper()
	inst := &models.EntityInstance{
		EntityDefinitionID: def.ID,
		TenantID:           tc.tenantID,
		Attributes:         attrs,
		CreatedBy:          "user-1",
	}
	require.NoError(tc.t, tc.instances.Create(tc.ctx, inst))
	return inst
}

func (tc *recordsTestContext) link(source, target *models.EntityInstance, field *models.Field) {
	tc.t.Helper()
	require.NoError(tc.t, tc.relations.CreateEdges(tc.ctx, []*models.RelationEdge{{
		TenantID:         tc.tenantID,
		SourceInstanceID: source.ID,
		TargetInstanceID: target.ID,
		RelationFieldID:  field.ID,
		RelationKind:     field.Kind,
	}}))
}

func (tc *recordsTestContext) query() *models.InstanceQuery {
	return &models.InstanceQuery{
		TenantID:           tc.tenantID,
		EntityDefinitionID: tc.task.ID,
		Sort:               models.AttributeSort{Field: models.SortFieldCreatedAt, System: true, Direction: models.SortAsc},
		Limit:              10,
	}
}

func TestEntityDefinitionRepository_FieldsAndLookup(t *testing.T) {
	tc := setupRecordsTest(t)

	got, err := tc.defs.GetByID(tc.ctx, tc.task.ID)
	require.NoError(t, err)
	assert.Equal(t, "Task", got.Name)
	assert.Equal(t, models.AccessAuthenticated, got.ReadLevel)

	byName, err := tc.defs.GetByName(tc.ctx, tc.tenantID, "User")
	require.NoError(t, err)
	assert.Equal(t, tc.user.ID, byName.ID)

	fields, err := tc.defs.GetFields(tc.ctx, tc.task.ID)
	require.NoError(t, err)
	assert.Len(t, fields, 5)

	assignee, err := tc.defs.GetFieldByName(tc.ctx, tc.task.ID, "assignee")
	require.NoError(t, err)
	require.NotNil(t, assignee.RelatedEntityDefinitionID)
	assert.Equal(t, tc.user.ID, *assignee.RelatedEntityDefinitionID)

	_, err = tc.defs.GetByID(tc.ctx, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestEntityDefinitionRepository_OtherTenantIsNotVisible(t *testing.T) {
	tc := setupRecordsTest(t)
	other := testhelpers.GetRecordsDB(t).TenantContext(t, uuid.New())

	_, err := tc.defs.GetByID(other, tc.task.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestEntityInstanceRepository_CRUD(t *testing.T) {
	tc := setupRecordsTest(t)

	inst := tc.createInstance(tc.task, models.Attributes{"title": "Write docs", "estimate": 3.0})

	got, err := tc.instances.GetByID(tc.ctx, tc.tenantID, inst.ID, &tc.task.ID)
	require.NoError(t, err)
	assert.Equal(t, "Write docs", got.Attributes["title"])
	assert.Equal(t, "user-1", got.CreatedBy)

	_, err = tc.instances.GetByID(tc.ctx, tc.tenantID, inst.ID, &tc.user.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound, "instance of another type")

	updated, err := tc.instances.Update(tc.ctx, tc.tenantID, inst.ID, models.Attributes{"estimate": 5.0})
	require.NoError(t, err)
	assert.Equal(t, "Write docs", updated.Attributes["title"], "keys absent from the update survive")
	assert.Equal(t, 5.0, updated.Attributes["estimate"])

	require.NoError(t, tc.instances.Delete(tc.ctx, tc.tenantID, inst.ID))
	assert.ErrorIs(t, tc.instances.Delete(tc.ctx, tc.tenantID, inst.ID), apperrors.ErrNotFound)
}

func TestEntityInstanceRepository_ListFiltersSortAndPage(t *testing.T) {
	tc := setupRecordsTest(t)

	a := tc.createInstance(tc.task, models.Attributes{"title": "alpha", "estimate": 10.0, "status": "open"})
	b := tc.createInstance(tc.task, models.Attributes{"title": "beta", "estimate": 2.0, "status": "done"})
	c := tc.createInstance(tc.task, models.Attributes{"title": "gamma", "status": "open"})
	tc.createInstance(tc.user, models.Attributes{"title": "not a task"})

	q := tc.query()
	all, total, err := tc.instances.List(tc.ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, []uuid.UUID{a.ID, b.ID, c.ID}, ids(all))

	q.AttributeFilters = map[string][]string{"status": {"open"}}
	open, total, err := tc.instances.List(tc.ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.ElementsMatch(t, []uuid.UUID{a.ID, c.ID}, ids(open))

	q = tc.query()
	q.Sort = models.AttributeSort{Field: "estimate", Numeric: true, Direction: models.SortAsc}
	sorted, _, err := tc.instances.List(tc.ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{b.ID, a.ID, c.ID}, ids(sorted), "numeric order with missing values last")

	q = tc.query()
	q.RestrictIDs = []uuid.UUID{b.ID}
	restricted, total, err := tc.instances.List(tc.ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, []uuid.UUID{b.ID}, ids(restricted))

	q = tc.query()
	q.Limit, q.Offset = 2, 10
	empty, total, err := tc.instances.List(tc.ctx, q)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Equal(t, 3, total, "total survives a page past the end")
}

func TestEntityInstanceRepository_Search(t *testing.T) {
	tc := setupRecordsTest(t)

	a := tc.createInstance(tc.task, models.Attributes{"title": "Fix 100% CPU", "status": "open"})
	tc.createInstance(tc.task, models.Attributes{"title": "Fix 1000 bugs", "status": "open"})
	c := tc.createInstance(tc.task, models.Attributes{"title": "fix login", "status": "done"})

	q := tc.query()
	q.Search = "100%"
	q.SearchFields = []string{"title"}
	found, total, err := tc.instances.Search(tc.ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 1, total, "wildcards in the term are literal")
	assert.Equal(t, []uuid.UUID{a.ID}, ids(found))

	q.Search = "FIX"
	q.AttributeFilters = map[string][]string{"status": {"done"}}
	found, total, err = tc.instances.Search(tc.ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, []uuid.UUID{c.ID}, ids(found))

	q.AttributeFilters = nil
	q.Limit, q.Offset = 1, 5
	found, total, err = tc.instances.Search(tc.ctx, q)
	require.NoError(t, err)
	assert.Empty(t, found)
	assert.Equal(t, 3, total)
}

func TestEntityRelationRepository_BatchReadAndMatch(t *testing.T) {
	tc := setupRecordsTest(t)

	u1 := tc.createInstance(tc.user, models.Attributes{"name": "u1"})
	u2 := tc.createInstance(tc.user, models.Attributes{"name": "u2"})
	t1 := tc.createInstance(tc.task, models.Attributes{"title": "t1"})
	t2 := tc.createInstance(tc.task, models.Attributes{"title": "t2"})

	tc.link(t1, u1, tc.assignee)
	tc.link(t1, u1, tc.watchers)
	tc.link(t1, u2, tc.watchers)
	tc.link(t2, u2, tc.watchers)
	tc.link(t2, u2, tc.watchers) // duplicate is ignored

	edges, err := tc.relations.GetBySourcesAndFields(tc.ctx, tc.tenantID,
		[]uuid.UUID{t1.ID, t2.ID}, []uuid.UUID{tc.assignee.ID, tc.watchers.ID})
	require.NoError(t, err)
	assert.Len(t, edges, 4)

	targets, err := tc.relations.GetTargets(tc.ctx, tc.tenantID, t1.ID, tc.watchers.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{u1.ID, u2.ID}, targets)

	anySources, err := tc.relations.FindSourcesAny(tc.ctx, tc.tenantID,
		map[uuid.UUID][]uuid.UUID{tc.watchers.ID: {u1.ID, u2.ID}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{t1.ID, t2.ID}, anySources)

	matches, err := tc.relations.FindSourcesAll(tc.ctx, tc.tenantID,
		map[uuid.UUID][]uuid.UUID{tc.watchers.ID: {u1.ID, u2.ID}})
	require.NoError(t, err)
	counts := map[uuid.UUID]int{}
	for _, m := range matches {
		assert.Equal(t, tc.watchers.ID, m.FieldID)
		counts[m.SourceID] = m.MatchedTargets
	}
	assert.Equal(t, map[uuid.UUID]int{t1.ID: 2, t2.ID: 1}, counts)

	require.NoError(t, tc.relations.DeleteBySourceAndFields(tc.ctx, tc.tenantID, t1.ID, []uuid.UUID{tc.watchers.ID}))
	targets, err = tc.relations.GetTargets(tc.ctx, tc.tenantID, t1.ID, tc.assignee.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{u1.ID}, targets, "other fields keep their edges")

	require.NoError(t, tc.relations.DeleteByInstance(tc.ctx, tc.tenantID, u2.ID))
	targets, err = tc.relations.GetTargets(tc.ctx, tc.tenantID, t2.ID, tc.watchers.ID)
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestFileAssociationRepository_Replace(t *testing.T) {
	tc := setupRecordsTest(t)

	t1 := tc.createInstance(tc.task, models.Attributes{"title": "t1"})
	f1, f2, f3 := uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, tc.files.Replace(tc.ctx, tc.tenantID, t1.ID, tc.attached.ID, []uuid.UUID{f1, f2}))
	require.NoError(t, tc.files.Replace(tc.ctx, tc.tenantID, t1.ID, tc.attached.ID, []uuid.UUID{f3, f1}))

	files, err := tc.files.GetByInstancesAndFields(tc.ctx, tc.tenantID, []uuid.UUID{t1.ID}, []uuid.UUID{tc.attached.ID})
	require.NoError(t, err)
	got := make([]uuid.UUID, 0, len(files))
	for _, f := range files {
		got = append(got, f.FileID)
	}
	assert.Equal(t, []uuid.UUID{f3, f1}, got)

	require.NoError(t, tc.files.DeleteByInstance(tc.ctx, tc.tenantID, t1.ID))
	files, err = tc.files.GetByInstancesAndFields(tc.ctx, tc.tenantID, []uuid.UUID{t1.ID}, []uuid.UUID{tc.attached.ID})
	require.NoError(t, err)
	assert.Empty(t, files)
}

func ids(insts []*models.EntityInstance) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(insts))
	for _, i := range insts {
		out = append(out, i.ID)
	}
	return out
}
