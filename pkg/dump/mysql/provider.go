// Package mysql provides the MySQL dump provider.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/exec"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	"github.com/pkg/errors"

	"github.com/stackwatch/dbsentry/pkg/dump"
)

// Provider implements dump.Provider for MySQL using mysqldump.
type Provider struct {
	Host     string
	Port     int
	User     string
	Password string

	db *sql.DB
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "mysql"
}

// Connect establishes a connection to the database server
func (p *Provider) Connect(ctx context.Context) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/",
		p.User, p.Password, p.Host, p.Port)

	var err error
	p.db, err = sql.Open("mysql", dsn)
	if err != nil {
		return errors.Wrap(err, "failed to open MySQL connection")
	}

	if err := p.db.PingContext(ctx); err != nil {
		p.db.Close()
		p.db = nil
		return errors.Wrap(err, "failed to ping MySQL server")
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

// ListDatabases returns user databases, system schemas excluded.
func (p *Provider) ListDatabases(ctx context.Context) ([]string, error) {
	if p.db == nil {
		return nil, errors.New("not connected to MySQL server")
	}

	rows, err := p.db.QueryContext(ctx, "SHOW DATABASES")
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

		if dbName == "information_schema" || dbName == "mysql" ||
			dbName == "performance_schema" || dbName == "sys" {
			continue
		}

		databases = append(databases, dbName)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating database rows")
	}

	return databases, nil
}

// Dump streams a mysqldump of dbName to output.
func (p *Provider) Dump(ctx context.Context, dbName string, output io.Writer) error {
	cmd := p.dumpCommand(dbName)
	cmd.Stdout = output
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "failed to start mysqldump")
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
			return errors.Wrap(err, "mysqldump failed")
		}
		return nil
	}
}

func (p *Provider) dumpCommand(dbName string) *exec.Cmd {
	args := []string{
		"-h", p.Host,
		"-P", fmt.Sprintf("%d", p.Port),
		"-u", p.User,
	}

	if p.Password != "" {
		args = append(args, fmt.Sprintf("-p%s", p.Password))
	}

	args = append(args,
		"--single-transaction",
		"--quick",
		"--triggers",
		"--routines",
		"--events",
		"--set-gtid-purged=OFF",
	)

	args = append(args, dbName)
	return exec.Command("mysqldump", args...)
}

// Validate ensures the provider configuration is valid
func (p *Provider) Validate() error {
	if p.Host == "" {
		return errors.New("MySQL host is required")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return errors.Errorf("invalid MySQL port: %d", p.Port)
	}
	if p.User == "" {
		return errors.New("MySQL user is required")
	}
	return nil
}

// Factory creates MySQL dump providers.
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
	dump.RegisterFactory("mysql", &Factory{})
}
