//go:build integration

package integration

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const postgresImage = "postgres:16-alpine"

func docker(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("docker %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// startPostgresContainer runs a throwaway Postgres on a port Docker picks and
// returns its URL. The returned func removes the container.
func startPostgresContainer(ctx context.Context) (string, func(), error) {
	name := "clinic-it-" + uuid.NewString()[:8]
	id, err := docker(ctx, "run", "-d", "--rm",
		"--name", name,
		"-p", "127.0.0.1::5432",
		"-e", "POSTGRES_USER=clinic",
		"-e", "POSTGRES_PASSWORD=clinic",
		"-e", "POSTGRES_DB=clinictest",
		postgresImage,
		"-c", "fsync=off",
	)
	if err != nil {
		return "", nil, err
	}
	stop := func() { _, _ = docker(context.Background(), "rm", "-f", id) }

	// "127.0.0.1:49153"
	addr, err := docker(ctx, "port", id, "5432/tcp")
	if err != nil {
		stop()
		return "", nil, err
	}
	addr = strings.Split(addr, "\n")[0]

	url := fmt.Sprintf("postgres://clinic:clinic@%s/clinictest?sslmode=disable", addr)
	if err := awaitPostgres(ctx, url, 30*time.Second); err != nil {
		stop()
		return "", nil, err
	}
	return url, stop, nil
}

// awaitPostgres retries a connection until the server accepts queries.
func awaitPostgres(ctx context.Context, url string, limit time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()

	var lastErr error
	for {
		conn, err := pgx.Connect(ctx, url)
		if err == nil {
			err = conn.Ping(ctx)
			_ = conn.Close(ctx)
			if err == nil {
				return nil
			}
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres not ready after %s: %w", limit, lastErr)
		case <-tick.C:
		}
	}
}
