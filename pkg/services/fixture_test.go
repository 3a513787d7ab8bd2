package services

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ekaya-inc/ekaya-records/pkg/audit"
	"github.com/ekaya-inc/ekaya-records/pkg/auth"
	"github.com/ekaya-inc/ekaya-records/pkg/models"
	"github.com/ekaya-inc/ekaya-records/pkg/retry"
)

// recordsFixture wires the services over in-memory repositories with a
// Task/User schema: Task.assignee is many_to_one User, Task.watchers is
// many_to_many User.
type recordsFixture struct {
	t        *testing.T
	tenantID uuid.UUID

	schema  *mockSchemaSource
	store   *memStore
	tx      *mockTx
	tenants *countingTenantContext
	// auditLogs captures security audit events.
	auditLogs *observer.ObservedLogs

	instances InstanceService
	relations RelationService
	engine    QueryEngine

	userDef *models.EntityDefinition
	taskDef *models.EntityDefinition

	userName    *models.Field
	title       *models.Field
	estimate    *models.Field
	status      *models.Field
	resolution  *models.Field
	assignee    *models.Field
	watchers    *models.Field
	attachments *models.Field
}

func newRecordsFixture(t *testing.T) *recordsFixture {
	t.Helper()

	fx := &recordsFixture{
		t:        t,
		tenantID: uuid.New(),
		schema:   newMockSchemaSource(),
		store:    newMemStore(),
		tx:       &mockTx{},
		tenants:  &countingTenantContext{},
	}

	fx.userDef = fx.definition("User")
	fx.taskDef = fx.definition("Task")

	fx.userName = fx.field(fx.userDef, "name", models.FieldKindString)
	fx.userName.Required = true

	fx.title = fx.field(fx.taskDef, "title", models.FieldKindString)
	fx.title.Required = true
	fx.estimate = fx.field(fx.taskDef, "estimate", models.FieldKindNumber)
	fx.status = fx.field(fx.taskDef, "status", models.FieldKindString)
	fx.resolution = fx.field(fx.taskDef, "resolution", models.FieldKindString)
	fx.resolution.Required = true
	fx.resolution.DependsOnFieldID = &fx.status.ID
	fx.resolution.DependsOnValue = ptr("done")
	fx.assignee = fx.field(fx.taskDef, "assignee", models.FieldKindManyToOne)
	fx.assignee.RelatedEntityDefinitionID = &fx.userDef.ID
	fx.watchers = fx.field(fx.taskDef, "watchers", models.FieldKindManyToMany)
	fx.watchers.RelatedEntityDefinitionID = &fx.userDef.ID
	fx.attachments = fx.field(fx.taskDef, "attachments", models.FieldKindFileArray)
	fx.attachments.MaxFileCount = ptr(2)

	fx.schema.add(fx.userDef, fx.userName)
	fx.schema.add(fx.taskDef, fx.title, fx.estimate, fx.status, fx.resolution, fx.assignee, fx.watchers, fx.attachments)

	logger := zap.NewNop()
	auditCore, auditLogs := observer.New(zapcore.DebugLevel)
	fx.auditLogs = auditLogs
	auditor := audit.NewSecurityAuditor(zap.New(auditCore))

	instanceRepo := &mockInstanceRepo{s: fx.store}
	relationRepo := &mockRelationRepo{s: fx.store}
	fileRepo := &mockFileRepo{s: fx.store}

	fx.relations = NewRelationService(fx.schema, relationRepo, instanceRepo, logger)
	fx.engine = NewQueryEngine(fx.schema, instanceRepo, relationRepo, QueryLimits{MinLimit: 10, MaxLimit: 100}, auditor, logger)
	fx.instances = NewInstanceService(
		fx.schema,
		fx.engine,
		instanceRepo,
		relationRepo,
		fileRepo,
		fx.relations,
		NewRelationResolver(relationRepo, instanceRepo, logger),
		NewFileResolver(fileRepo),
		fx.tenants.fn,
		fx.tx.run,
		&retry.Config{MaxRetries: 2, Multiplier: 1},
		auditor,
		logger,
	)
	return fx
}

func (fx *recordsFixture) definition(name string) *models.EntityDefinition {
	return &models.EntityDefinition{
		ID:              uuid.New(),
		TenantID:        fx.tenantID,
		Name:            name,
		TableName:       name + "s",
		CreateLevel:     models.AccessUser,
		ReadLevel:       models.AccessAuthenticated,
		UpdateLevel:     models.AccessUser,
		DeleteLevel:     models.AccessData,
		DefaultPageSize: 10,
	}
}

func (fx *recordsFixture) field(def *models.EntityDefinition, name string, kind models.FieldKind) *models.Field {
	return &models.Field{
		ID:                 uuid.New(),
		EntityDefinitionID: def.ID,
		TenantID:           fx.tenantID,
		Name:               name,
		Kind:               kind,
	}
}

// ctx returns a caller context with the given roles.
func (fx *recordsFixture) ctx(roles ...string) context.Context {
	return auth.WithClaims(context.Background(), &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
		TenantID:         fx.tenantID.String(),
		Roles:            roles,
	})
}

func (fx *recordsFixture) createUser(name string) uuid.UUID {
	fx.t.Helper()
	rec, err := fx.instances.CreateInstance(fx.ctx("user"), fx.tenantID, fx.userDef.ID, &models.InstanceWrite{
		Attributes: models.Attributes{"name": name},
	})
	require.NoError(fx.t, err)
	return rec["id"].(uuid.UUID)
}

func (fx *recordsFixture) createTask(attrs models.Attributes, relations map[string][]uuid.UUID) uuid.UUID {
	fx.t.Helper()
	rec, err := fx.instances.CreateInstance(fx.ctx("user"), fx.tenantID, fx.taskDef.ID, &models.InstanceWrite{
		Attributes: attrs,
		Relations:  relations,
	})
	require.NoError(fx.t, err)
	return rec["id"].(uuid.UUID)
}

func ptr[T any](v T) *T { return &v }
