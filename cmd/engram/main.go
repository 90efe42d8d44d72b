package main

import (
	"fmt"
	"os"

	"github.com/engramdev/engram/pkg/bus"
	"github.com/engramdev/engram/pkg/config"
	"github.com/engramdev/engram/pkg/logger"
	"github.com/engramdev/engram/pkg/memory"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("engram %s (commit %s, built %s)\n", version, commit, date)
}

// openEngine loads configuration and wires the engine plus its event
// publisher. Callers own both and must Close them.
func openEngine(configPath string) (*memory.Engine, *bus.Publisher, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	logger.SetLevel(cfg.LogLevel)

	pub := bus.NewPublisher()
	engine, err := memory.Open(cfg, pub)
	if err != nil {
		pub.Close()
		return nil, nil, nil, err
	}
	return engine, pub, cfg, nil
}
