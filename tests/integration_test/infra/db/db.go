package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/ssuji15/loracloud/internal/config"
	"github.com/ssuji15/loracloud/internal/db"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func SetupContainer(ctx context.Context) (testcontainers.Container, *db.DB, string) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "lora",
			"POSTGRES_PASSWORD": "lora123",
			"POSTGRES_DB":       "loracloud",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		panic(err)
	}

	host, _ := container.Host(ctx)
	port, _ := container.MappedPort(ctx, "5432")

	POSTGRES_URL := fmt.Sprintf(
		"postgres://lora:lora123@%s:%s/loracloud?sslmode=disable",
		host,
		port.Port(),
	)

	d, err := db.New(ctx, &config.PostgresConfig{URL: POSTGRES_URL})
	if err != nil {
		panic(err)
	}
	if err := d.Migrate(ctx); err != nil {
		panic(err)
	}
	return container, d, POSTGRES_URL
}

func TruncateJobs(t *testing.T, d *db.DB) {
	t.Helper()
	_, err := d.Pool.Exec(context.Background(), `TRUNCATE training_jobs`)
	require.NoError(t, err)
}
