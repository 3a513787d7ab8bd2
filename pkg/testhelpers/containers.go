package testhelpers

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql (migrations)
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-records/pkg/database"
)

// PostgresTestImage is the PostgreSQL image integration tests run against.
const PostgresTestImage = "postgres:16-alpine"

// RecordsDB holds the shared database container with migrations applied.
// Use this for testing handlers, services, and repositories against a real database.
type RecordsDB struct {
	Container testcontainers.Container
	DB        *database.DB
	ConnStr   string
}

var (
	sharedRecordsDB     *RecordsDB
	sharedRecordsDBOnce sync.Once
	sharedRecordsDBErr  error
)

// GetRecordsDB returns a shared PostgreSQL container for integration tests.
// The container is created once and reused across all tests in the run.
func GetRecordsDB(t *testing.T) *RecordsDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedRecordsDBOnce.Do(func() {
		sharedRecordsDB, sharedRecordsDBErr = setupRecordsDB()
	})

	if sharedRecordsDBErr != nil {
		t.Fatalf("Failed to setup test database: %v", sharedRecordsDBErr)
	}

	return sharedRecordsDB
}

func setupRecordsDB() (*RecordsDB, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        PostgresTestImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "ekaya_records_test",
			"POSTGRES_USER":     "ekaya",
			"POSTGRES_PASSWORD": "test_password",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	connStr := fmt.Sprintf("postgres://ekaya:test_password@%s:%s/ekaya_records_test?sslmode=disable",
		host, port.Port())

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            connStr,
		MaxConnections: 10,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to test database: %w", err)
	}

	// golang-migrate needs database/sql
	sqlDB, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql connection: %w", err)
	}
	defer sqlDB.Close()

	if err := database.RunMigrations(sqlDB, MigrationsPath(), zap.NewNop()); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &RecordsDB{
		Container: container,
		DB:        db,
		ConnStr:   connStr,
	}, nil
}

// MigrationsPath returns the absolute path of the repo's migrations directory.
func MigrationsPath() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

// TenantContext returns a context carrying a tenant scope for tenantID.
// The scope is released when the test finishes.
func (r *RecordsDB) TenantContext(t *testing.T, tenantID uuid.UUID) context.Context {
	t.Helper()

	scope, err := r.DB.WithTenant(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("Failed to create tenant scope: %v", err)
	}
	t.Cleanup(scope.Close)

	return database.SetTenantScope(context.Background(), scope)
}

// TenantContextFunc adapts the shared database to the services' per-branch
// connection factory.
func (r *RecordsDB) TenantContextFunc() func(ctx context.Context, tenantID uuid.UUID) (context.Context, func(), error) {
	return database.NewTenantScopeProvider(r.DB).WithTenantScope
}
