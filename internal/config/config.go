// Package config parses the agent's command line and environment.
package config

import (
	"fmt"

	"github.com/tlstap/tlstap/internal/reassembly"
)

// DefaultEventsMapPin is where the capture collaborator pins its events map.
const DefaultEventsMapPin = "/sys/fs/bpf/tlstap/events"

// Config holds the parsed command-line configuration.
type Config struct {
	// EventsMapPath is the bpffs pin of the capture ring buffer.
	EventsMapPath string
	// FilterExpr is an optional admission expression evaluated per event.
	FilterExpr string
	// Output selects the sink: "text" or "otlp".
	Output string
	// ShowVersion prints version information and exits.
	ShowVersion bool

	// Engine carries the numeric knobs, parsed from the environment.
	Engine reassembly.Config
}

// ParseArgs parses command-line arguments and the engine environment knobs.
// Expected format: tlstap [--events-map <pin>] [--filter <expr>] [--output text|otlp]
func ParseArgs(args []string) (*Config, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no arguments provided")
	}
	programName := args[0]

	cfg := &Config{
		EventsMapPath: DefaultEventsMapPin,
		Output:        "text",
	}

	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--events-map", "-m":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%s requires a value", args[i])
			}
			cfg.EventsMapPath = args[i+1]
			i++
		case "--filter", "-f":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%s requires a value", args[i])
			}
			cfg.FilterExpr = args[i+1]
			i++
		case "--output", "-o":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%s requires a value", args[i])
			}
			cfg.Output = args[i+1]
			i++
		case "--version", "-v":
			cfg.ShowVersion = true
		case "--help", "-h":
			return nil, fmt.Errorf("Usage: %s [--events-map <pin>] [--filter <expr>] [--output text|otlp]\n"+
				"Example: %s -f 'pid == 4242' -o otlp", programName, programName)
		default:
			return nil, fmt.Errorf("unknown argument %q", args[i])
		}
	}

	if cfg.Output != "text" && cfg.Output != "otlp" {
		return nil, fmt.Errorf("output must be \"text\" or \"otlp\", got %q", cfg.Output)
	}

	engine, err := ParseEngineConfig()
	if err != nil {
		return nil, err
	}
	cfg.Engine = engine

	return cfg, nil
}
