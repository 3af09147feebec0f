// Package postgres starts throwaway Postgres instances for integration tests.
package postgres

import (
	"context"
	"path/filepath"
	"time"

	"github.com/integralist/go-findroot/find"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// InitPostgresContainer initializes a local Postgres instance using Testcontainers
// with the repository schema applied.
func InitPostgresContainer(ctx context.Context) (*postgres.PostgresContainer, error) {
	root, err := find.Repo()
	if err != nil {
		return nil, err
	}
	return postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:15.2-alpine"),
		postgres.WithInitScripts(
			filepath.Join(root.Path, "sql/postgres/000001_schema.up.sql"),
		),
		postgres.WithDatabase("stampbox"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(30*time.Second)),
	)
}
