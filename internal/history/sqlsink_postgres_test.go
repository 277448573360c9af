package history

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestSQLSinkPostgres_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	sink, err := NewSQLSinkFromDSN(connStr)
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()
	if sink.dialect != "postgres" {
		t.Fatalf("dialect = %q, want postgres", sink.dialect)
	}

	events := []Event{
		{Type: EventInstall, OccurredAt: time.Now().UTC(), Service: "mariadb", Version: "11.4.5"},
		{Type: EventSwitch, OccurredAt: time.Now().UTC(), Service: "mariadb", Version: "10.11.8", Detail: "from 11.4.5"},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Send(%s): %v", e.Type, err)
		}
	}

	var count int
	if err := sink.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM service_history WHERE service = $1`, "mariadb").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != len(events) {
		t.Errorf("rows = %d, want %d", count, len(events))
	}
}
