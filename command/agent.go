package command

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/go-hclog"

	"github.com/yardworks/duelyard/command/agent"
	"github.com/yardworks/duelyard/duelyard"
	"github.com/yardworks/duelyard/duelyard/mock"
	"github.com/yardworks/duelyard/duelyard/structs"
)

// AgentCommand runs the scheduling daemon until it is signalled to stop.
type AgentCommand struct {
	Ui cli.Ui

	// ShutdownCh lets tests trigger a shutdown without a signal.
	ShutdownCh <-chan struct{}
}

func (c *AgentCommand) Help() string {
	helpText := `
Usage: duelyard agent [options]

  Starts the Duelyard scheduling agent: the HTTP API, the task broker and
  the recovery timers.

Options:

  -bind=<addr>
    Address to bind the HTTP server to. Defaults to 127.0.0.1.

  -port=<port>
    Port for the HTTP server. Defaults to 4747.

  -log-level=<level>
    Log verbosity (TRACE, DEBUG, INFO, WARN, ERROR). Defaults to INFO.

  -state-path=<path>
    Path to the durable state file. When omitted the agent runs fully
    in-memory.

  -env-file=<path>
    KEY=value file applied as configuration overrides before the process
    environment.

  -tokens=<spec>
    Comma separated token table entries of the form token=id:role, e.g.
    "t1=alice@example.com:user,t2=ops@example.com:admin". Also read from
    the DUELYARD_TOKENS environment variable.
`
	return strings.TrimSpace(helpText)
}

func (c *AgentCommand) Synopsis() string {
	return "Runs the Duelyard scheduling agent"
}

func (c *AgentCommand) Run(args []string) int {
	config := agent.DefaultConfig()
	var envFile, tokenSpec string

	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&config.BindAddr, "bind", config.BindAddr, "")
	flags.IntVar(&config.Port, "port", config.Port, "")
	flags.StringVar(&config.LogLevel, "log-level", config.LogLevel, "")
	flags.StringVar(&config.Core.StatePath, "state-path", "", "")
	flags.StringVar(&envFile, "env-file", "", "")
	flags.StringVar(&tokenSpec, "tokens", "", "")
	flags.BoolVar(&config.EnableDebug, "debug", false, "")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	if envFile != "" {
		if err := config.Core.LoadEnvFile(envFile); err != nil {
			c.Ui.Error(fmt.Sprintf("Failed to load env file: %v", err))
			return 1
		}
	}
	if err := config.Core.LoadEnv(); err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to load environment: %v", err))
		return 1
	}

	if tokenSpec == "" {
		tokenSpec = os.Getenv("DUELYARD_TOKENS")
	}
	if err := parseTokens(config, tokenSpec); err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to parse token table: %v", err))
		return 1
	}

	logger := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:  "duelyard",
		Level: hclog.LevelFromString(config.LogLevel),
	})

	// The embedded backend: decks, logs and ratings live in memory.
	// Deployments with external stores swap these at build time.
	rated := mock.NewRatingStore()
	deps := duelyard.Deps{
		Decks:       mock.NewDeckStore(),
		Logs:        mock.NewLogStore(),
		Ratings:     mock.NewRatingEngine(rated),
		RatingStore: rated,
	}

	a, err := agent.NewAgent(config, logger, deps)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to start agent: %v", err))
		return 1
	}
	defer a.Shutdown()

	httpServer, err := agent.NewHTTPServer(a, config)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to start HTTP server: %v", err))
		return 1
	}
	defer httpServer.Shutdown()

	c.Ui.Output(fmt.Sprintf("Duelyard agent started, HTTP on %s", httpServer.Addr))

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-signalCh:
		c.Ui.Output(fmt.Sprintf("Caught signal: %v, shutting down", sig))
	case <-c.ShutdownCh:
		c.Ui.Output("Shutdown requested")
	}
	return 0
}

// parseTokens fills the token table from "token=id:role" entries.
func parseTokens(config *agent.Config, spec string) error {
	if spec == "" {
		return nil
	}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		token, identity, ok := strings.Cut(entry, "=")
		if !ok {
			return fmt.Errorf("malformed token entry %q", entry)
		}
		id, role, ok := strings.Cut(identity, ":")
		if !ok {
			return fmt.Errorf("malformed identity %q, want id:role", identity)
		}
		switch role {
		case structs.RoleUser, structs.RoleAdmin, structs.RoleWorker:
		default:
			return fmt.Errorf("unknown role %q in %q", role, entry)
		}
		config.Tokens[token] = &agent.TokenConfig{ID: id, Role: role}
	}
	return nil
}
