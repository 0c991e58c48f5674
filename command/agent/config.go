package agent

import (
	"fmt"

	"github.com/yardworks/duelyard/duelyard"
	"github.com/yardworks/duelyard/duelyard/structs"
)

// TokenConfig maps an API token to the identity it authenticates.
type TokenConfig struct {
	ID   string
	Role string
}

// Config is the agent-level configuration: where to listen, how to resolve
// credentials, and the embedded core configuration.
type Config struct {
	// BindAddr is the address the HTTP server listens on.
	BindAddr string

	// Port is the HTTP port.
	Port int

	// LogLevel is the hclog level name.
	LogLevel string

	// EnableDebug exposes the pprof handlers.
	EnableDebug bool

	// Tokens maps X-Duelyard-Token values to callers. The worker shared
	// secret from the core config is accepted as a worker credential
	// independently of this table.
	Tokens map[string]*TokenConfig

	// Core is the configuration handed to the scheduling core.
	Core *duelyard.Config
}

// DefaultConfig returns the stock agent configuration.
func DefaultConfig() *Config {
	return &Config{
		BindAddr: "127.0.0.1",
		Port:     4747,
		LogLevel: "INFO",
		Tokens:   make(map[string]*TokenConfig),
		Core:     duelyard.DefaultConfig(),
	}
}

// Validate checks the config for mistakes that would only surface at
// request time.
func (c *Config) Validate() error {
	// Port 0 asks the kernel for an ephemeral port.
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	for token, identity := range c.Tokens {
		if token == "" {
			return fmt.Errorf("empty token configured for %q", identity.ID)
		}
		switch identity.Role {
		case structs.RoleUser, structs.RoleAdmin, structs.RoleWorker:
		default:
			return fmt.Errorf("unknown role %q for token of %q", identity.Role, identity.ID)
		}
	}
	return nil
}
