// Package postgres provides the PostgreSQL dump provider.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/exec"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/pkg/errors"

	"github.com/stackwatch/dbsentry/pkg/dump"
)

// Provider implements dump.Provider for PostgreSQL using pg_dump.
type Provider struct {
	Host     string
	Port     int
	User     string
	Password string

	db *sql.DB
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "postgres"
}

// Connect establishes a connection through the maintenance database.
func (p *Provider) Connect(ctx context.Context) error {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=postgres sslmode=disable",
		p.Host, p.Port, p.User, p.Password)

	var err error
	p.db, err = sql.Open("postgres", dsn)
	if err != nil {
		return errors.Wrap(err, "failed to open PostgreSQL connection")
	}

	if err := p.db.PingContext(ctx); err != nil {
		p.db.Close()
		p.db = nil
		return errors.Wrap(err, "failed to ping PostgreSQL server")
	}

	return nil
}

// Close closes the database connection
func (p *Provider) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// ListDatabases returns user databases, templates excluded.
func (p *Provider) ListDatabases(ctx context.Context) ([]string, error) {
	if p.db == nil {
		return nil, errors.New("not connected to PostgreSQL server")
	}

	query := `
		SELECT datname FROM pg_database
		WHERE datistemplate = false
		AND datname NOT IN ('postgres', 'template0', 'template1')
	`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list databases")
	}
	defer rows.Close()

	var databases []string
	for rows.Next() {
		var dbName string
		if err := rows.Scan(&dbName); err != nil {
			return nil, errors.Wrap(err, "failed to scan database name")
		}
		databases = append(databases, dbName)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating database rows")
	}

	return databases, nil
}

// Dump streams a pg_dump of dbName to output. The password travels via
// PGPASSWORD so it never appears in the process list.
func (p *Provider) Dump(ctx context.Context, dbName string, output io.Writer) error {
	cmd := p.dumpCommand(dbName)
	cmd.Stdout = output
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), fmt.Sprintf("PGPASSWORD=%s", p.Password))

	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "failed to start pg_dump")
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		<-done
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return errors.Wrap(err, "pg_dump failed")
		}
		return nil
	}
}

func (p *Provider) dumpCommand(dbName string) *exec.Cmd {
	args := []string{
		"-h", p.Host,
		"-p", fmt.Sprintf("%d", p.Port),
		"-U", p.User,
		"--no-password",
		"--format=plain",
		"--no-owner",
		"--no-acl",
		dbName,
	}
	return exec.Command("pg_dump", args...)
}

// Validate ensures the provider configuration is valid
func (p *Provider) Validate() error {
	if p.Host == "" {
		return errors.New("PostgreSQL host is required")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return errors.Errorf("invalid PostgreSQL port: %d", p.Port)
	}
	if p.User == "" {
		return errors.New("PostgreSQL user is required")
	}
	return nil
}

// Factory creates PostgreSQL dump providers.
type Factory struct{}

// Create returns a new Provider instance
func (f *Factory) Create(params dump.Params) (dump.Provider, error) {
	provider := &Provider{
		Host:     params.Host,
		Port:     params.Port,
		User:     params.Username,
		Password: params.Password,
	}

	if err := provider.Validate(); err != nil {
		return nil, err
	}

	return provider, nil
}

func init() {
	dump.RegisterFactory("postgres", &Factory{})
}
