package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prohmpiriya/school-tenancy/pkg/config"
)

// postgresOrSkip connects to TEST_POSTGRES_* or skips when INTEGRATION_TEST is unset
func postgresOrSkip(t *testing.T) *PostgresDB {
	t.Helper()
	if os.Getenv("INTEGRATION_TEST") != "true" {
		t.Skip("set INTEGRATION_TEST=true to run against postgres")
	}

	cfg := DefaultPostgresConfig()
	for env, dst := range map[string]*string{
		"TEST_POSTGRES_HOST":     &cfg.Host,
		"TEST_POSTGRES_USER":     &cfg.User,
		"TEST_POSTGRES_PASSWORD": &cfg.Password,
		"TEST_POSTGRES_DATABASE": &cfg.Database,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	if p, err := strconv.Atoi(os.Getenv("TEST_POSTGRES_PORT")); err == nil {
		cfg.Port = p
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := NewPostgres(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func TestDefaultPostgresConfig(t *testing.T) {
	cfg := DefaultPostgresConfig()
	assert.Equal(t, "school_tenancy", cfg.Database)
	assert.Equal(t, 5432, cfg.Port)
	assert.EqualValues(t, 25, cfg.MaxConns)
	assert.EqualValues(t, 5, cfg.MinConns)
	assert.Equal(t, 3, cfg.MaxRetries)
}

func TestPostgresConfig_DSN(t *testing.T) {
	cfg := &PostgresConfig{
		Host: "db", Port: 5433, User: "svc", Password: "pw", Database: "schools", SSLMode: "require",
	}
	assert.Equal(t, "host=db port=5433 user=svc password=pw dbname=schools sslmode=require", cfg.DSN())
}

func TestFromAppConfig(t *testing.T) {
	cfg := FromAppConfig(config.DatabaseConfig{
		Host:     "db.internal",
		Port:     6543,
		User:     "app",
		Password: "secret",
		DBName:   "schools",
		SSLMode:  "require",
		MaxConns: 40,
	})

	assert.Equal(t, "schools", cfg.Database)
	assert.Equal(t, 6543, cfg.Port)
	assert.EqualValues(t, 40, cfg.MaxConns)
	assert.EqualValues(t, 5, cfg.MinConns, "unset values keep defaults")
	assert.Equal(t, time.Hour, cfg.MaxConnLifetime)
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unique violation", &pgconn.PgError{Code: "23505", ConstraintName: "tenants_name_key_key"}, true},
		{"wrapped", fmt.Errorf("insert tenant: %w", &pgconn.PgError{Code: "23505"}), true},
		{"foreign key", &pgconn.PgError{Code: "23503"}, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUniqueViolation(tt.err))
		})
	}
}

func TestConstraintName(t *testing.T) {
	assert.Equal(t, "profiles_pkey", ConstraintName(fmt.Errorf("x: %w", &pgconn.PgError{ConstraintName: "profiles_pkey"})))
	assert.Empty(t, ConstraintName(errors.New("boom")))
}

func TestNewPostgres_Unreachable(t *testing.T) {
	cfg := DefaultPostgresConfig()
	cfg.Host = "postgres.invalid"
	cfg.MaxRetries = 1
	cfg.RetryInterval = 10 * time.Millisecond
	cfg.ConnectTimeout = 500 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := NewPostgres(ctx, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestNewPostgres_CancelledWhileRetrying(t *testing.T) {
	cfg := DefaultPostgresConfig()
	cfg.Host = "postgres.invalid"
	cfg.MaxRetries = 5
	cfg.RetryInterval = time.Minute
	cfg.ConnectTimeout = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := NewPostgres(ctx, cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPostgresDB_Integration(t *testing.T) {
	db := postgresOrSkip(t)
	ctx := context.Background()

	assert.True(t, db.IsConnected(ctx))
	assert.NoError(t, db.HealthCheck(ctx))
	assert.NotNil(t, db.Stats())
}

func TestPostgresDB_SchemaUniqueNames_Integration(t *testing.T) {
	db := postgresOrSkip(t)
	ctx := context.Background()

	schema, err := os.ReadFile("../../migrations/001_init.sql")
	require.NoError(t, err)

	tx, err := db.BeginTx(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()

	suffix := uuid.NewString()[:8]
	_, err = tx.Exec(ctx, "CREATE SCHEMA st_"+suffix)
	require.NoError(t, err)
	_, err = tx.Exec(ctx, "SET LOCAL search_path TO st_"+suffix)
	require.NoError(t, err)
	_, err = tx.Exec(ctx, string(schema))
	require.NoError(t, err)

	insert := "INSERT INTO tenants (id, name, name_key) VALUES ($1, $2, $3)"
	_, err = tx.Exec(ctx, insert, uuid.New(), "Springfield Elementary", "springfield elementary")
	require.NoError(t, err)

	_, err = tx.Exec(ctx, "SAVEPOINT dup")
	require.NoError(t, err)
	_, err = tx.Exec(ctx, insert, uuid.New(), "SPRINGFIELD elementary", "springfield elementary")
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
	assert.Equal(t, "tenants_name_key_key", ConstraintName(err))
	_, err = tx.Exec(ctx, "ROLLBACK TO SAVEPOINT dup")
	require.NoError(t, err)

	var n int
	require.NoError(t, tx.QueryRow(ctx, "SELECT count(*) FROM tenants").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestPostgresDB_Close_Integration(t *testing.T) {
	db := postgresOrSkip(t)
	db.Close()
	assert.Error(t, db.Ping(context.Background()))
}
