// Package dump abstracts engine-specific backup tooling behind a single
// provider interface. Each supported engine type registers a factory; the
// set of engine types is closed, an unknown type is a configuration error.
package dump

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Provider produces logical dumps for one database engine instance.
type Provider interface {
	// Name returns the engine type this provider serves.
	Name() string
	// Connect establishes and verifies a connection to the engine.
	Connect(ctx context.Context) error
	// Close releases the engine connection.
	Close() error
	// ListDatabases returns the engine's user databases, system catalogs
	// excluded.
	ListDatabases(ctx context.Context) ([]string, error)
	// Dump streams a logical dump of dbName to output. Cancellation of ctx
	// kills the underlying dump process.
	Dump(ctx context.Context, dbName string, output io.Writer) error
	// Validate checks the connection parameters before any use.
	Validate() error
}

// Params carries the connection settings a factory needs.
type Params struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Factory creates providers for one engine type.
type Factory interface {
	Create(p Params) (Provider, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// RegisterFactory registers a provider factory for an engine type. Called
// from provider package init functions.
func RegisterFactory(engineType string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[engineType] = f
}

// NewProvider creates a provider for the given engine type.
func NewProvider(engineType string, p Params) (Provider, error) {
	registryMu.RLock()
	factory, ok := registry[engineType]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unsupported engine type %q (supported: %s)",
			engineType, strings.Join(SupportedEngines(), ", "))
	}
	return factory.Create(p)
}

// SupportedEngines returns the registered engine types, sorted.
func SupportedEngines() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	engines := make([]string, 0, len(registry))
	for name := range registry {
		engines = append(engines, name)
	}
	sort.Strings(engines)
	return engines
}

// SanitizeError strips credentials from an error message before it is
// persisted or logged. Dump tools echo their full command line on failure,
// password included.
func SanitizeError(err error, password string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if password != "" {
		msg = strings.ReplaceAll(msg, password, "****")
	}
	return msg
}
