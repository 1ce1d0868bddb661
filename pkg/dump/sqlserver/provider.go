// Package sqlserver provides the SQL Server dump provider.
package sqlserver

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	_ "github.com/microsoft/go-mssqldb" // SQL Server driver
	"github.com/pkg/errors"

	"github.com/stackwatch/dbsentry/pkg/dump"
)

// Provider implements dump.Provider for SQL Server. Catalog queries go
// through the go-mssqldb driver; the dump itself shells out to sqlcmd for a
// native copy-only BACKUP DATABASE.
type Provider struct {
	Host     string
	Port     int
	User     string
	Password string
	// BackupDir is where the server writes .bak files; must be shared with
	// this process.
	BackupDir string

	db *sql.DB
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "sqlserver"
}

// Connect establishes a connection to the server.
func (p *Provider) Connect(ctx context.Context) error {
	dsn := fmt.Sprintf("sqlserver://%s:%s@%s:%d", p.User, p.Password, p.Host, p.Port)

	var err error
	p.db, err = sql.Open("sqlserver", dsn)
	if err != nil {
		return errors.Wrap(err, "failed to open SQL Server connection")
	}

	if err := p.db.PingContext(ctx); err != nil {
		p.db.Close()
		p.db = nil
		return errors.Wrap(err, "failed to ping SQL Server")
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

// ListDatabases returns user databases, system databases excluded.
func (p *Provider) ListDatabases(ctx context.Context) ([]string, error) {
	if p.db == nil {
		return nil, errors.New("not connected to SQL Server")
	}

	query := `
		SELECT name FROM sys.databases
		WHERE name NOT IN ('master', 'tempdb', 'model', 'msdb')
		AND state = 0
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

// Dump runs a native copy-only BACKUP DATABASE into BackupDir via sqlcmd,
// streams the resulting .bak to output, and removes it. BackupDir must be a
// volume shared with the server; SQL Server writes the file, this process
// reads it.
func (p *Provider) Dump(ctx context.Context, dbName string, output io.Writer) error {
	bakPath := filepath.Join(p.BackupDir, fmt.Sprintf("%s-%d.bak", dbName, time.Now().UnixNano()))

	cmd := p.dumpCommand(dbName, bakPath)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), fmt.Sprintf("SQLCMDPASSWORD=%s", p.Password))

	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "failed to start sqlcmd")
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
		os.Remove(bakPath)
		return ctx.Err()
	case err := <-done:
		if err != nil {
			os.Remove(bakPath)
			return errors.Wrap(err, "sqlcmd backup failed")
		}
	}
	defer os.Remove(bakPath)

	bak, err := os.Open(bakPath)
	if err != nil {
		return errors.Wrap(err, "failed to open backup file")
	}
	defer bak.Close()

	if _, err := io.Copy(output, bak); err != nil {
		return errors.Wrap(err, "failed to stream backup file")
	}
	return nil
}

func (p *Provider) dumpCommand(dbName, bakPath string) *exec.Cmd {
	backupSQL := fmt.Sprintf(
		"BACKUP DATABASE [%s] TO DISK = N'%s' WITH COPY_ONLY, INIT, COMPRESSION",
		dbName, bakPath)

	// -b makes sqlcmd exit non-zero on T-SQL errors.
	args := []string{
		"-S", fmt.Sprintf("%s,%d", p.Host, p.Port),
		"-U", p.User,
		"-b",
		"-Q", backupSQL,
	}
	return exec.Command("sqlcmd", args...)
}

// Validate ensures the provider configuration is valid
func (p *Provider) Validate() error {
	if p.Host == "" {
		return errors.New("SQL Server host is required")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return errors.Errorf("invalid SQL Server port: %d", p.Port)
	}
	if p.User == "" {
		return errors.New("SQL Server user is required")
	}
	return nil
}

// Factory creates SQL Server dump providers.
type Factory struct{}

// defaultBackupDir is the standard backup volume in SQL Server containers.
const defaultBackupDir = "/var/opt/mssql/backup"

// Create returns a new Provider instance
func (f *Factory) Create(params dump.Params) (dump.Provider, error) {
	backupDir := os.Getenv("MSSQL_BACKUP_DIR")
	if backupDir == "" {
		backupDir = defaultBackupDir
	}

	provider := &Provider{
		Host:      params.Host,
		Port:      params.Port,
		User:      params.Username,
		Password:  params.Password,
		BackupDir: backupDir,
	}

	if err := provider.Validate(); err != nil {
		return nil, err
	}

	return provider, nil
}

func init() {
	dump.RegisterFactory("sqlserver", &Factory{})
}
