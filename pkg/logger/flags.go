package logger

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds all logging-related command-line flags.
type Flags struct {
	LogLevel        string
	LogFormat       string
	LogFile         string
	DebugTransport  bool
	DebugRouter     bool
	DebugTrack      bool
	DebugCall       bool
	DebugSignaling  bool
	DebugAll        bool
}

// RegisterFlags registers logging flags with the given FlagSet.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
	fs.StringVar(&f.LogLevel, "l", "info",
		"Log level (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", "text",
		"Log output format: text, json")

	fs.StringVar(&f.LogFile, "log-file", "",
		"Log output file path (default: stdout)")
	fs.StringVar(&f.LogFile, "o", "",
		"Log output file path (shorthand)")

	fs.BoolVar(&f.DebugTransport, "debug-transport", false,
		"Enable Media Transport debugging (stream opens, frame traffic, priority scheduling)")
	fs.BoolVar(&f.DebugRouter, "debug-router", false,
		"Enable Stream Router debugging (RTP/RTCP classification)")
	fs.BoolVar(&f.DebugTrack, "debug-track", false,
		"Enable Track Backend debugging")
	fs.BoolVar(&f.DebugCall, "debug-call", false,
		"Enable Call Manager debugging (state transitions)")
	fs.BoolVar(&f.DebugSignaling, "debug-signaling", false,
		"Enable signaling message debugging")
	fs.BoolVar(&f.DebugAll, "debug-all", false,
		"Enable all debug categories")

	return f
}

// ToConfig converts Flags to a logger Config.
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	cfg.OutputFile = f.LogFile

	if f.DebugAll {
		cfg.EnableCategory(DebugAll)
		cfg.Level = LevelDebug
	} else {
		if f.DebugTransport {
			cfg.EnableCategory(DebugTransport)
			cfg.Level = LevelDebug
		}
		if f.DebugRouter {
			cfg.EnableCategory(DebugRouter)
			cfg.Level = LevelDebug
		}
		if f.DebugTrack {
			cfg.EnableCategory(DebugTrack)
			cfg.Level = LevelDebug
		}
		if f.DebugCall {
			cfg.EnableCategory(DebugCall)
			cfg.Level = LevelDebug
		}
		if f.DebugSignaling {
			cfg.EnableCategory(DebugSignaling)
			cfg.Level = LevelDebug
		}
	}

	return cfg, nil
}

// PrintUsageExamples prints usage examples for logging flags.
func PrintUsageExamples() {
	examples := `
Logging Examples:

  Basic usage (INFO level, text format to stdout):
    ./saorsa-loopback

  Enable DEBUG level:
    ./saorsa-loopback --log-level debug
    ./saorsa-loopback -l debug

  Log to file:
    ./saorsa-loopback --log-file call.log
    ./saorsa-loopback -o call.log

  JSON format for structured logging:
    ./saorsa-loopback --log-format json -o call.json

  Debug the Media Transport only:
    ./saorsa-loopback --debug-transport

  Debug multiple categories:
    ./saorsa-loopback --debug-transport --debug-call

  Debug everything:
    ./saorsa-loopback --debug-all -o debug.log
`
	fmt.Println(examples)
}

// String returns a string representation of enabled flags.
func (f *Flags) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("level=%s", f.LogLevel))
	parts = append(parts, fmt.Sprintf("format=%s", f.LogFormat))

	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	var debugCategories []string
	if f.DebugAll {
		debugCategories = append(debugCategories, "all")
	} else {
		if f.DebugTransport {
			debugCategories = append(debugCategories, "transport")
		}
		if f.DebugRouter {
			debugCategories = append(debugCategories, "router")
		}
		if f.DebugTrack {
			debugCategories = append(debugCategories, "track")
		}
		if f.DebugCall {
			debugCategories = append(debugCategories, "call")
		}
		if f.DebugSignaling {
			debugCategories = append(debugCategories, "signaling")
		}
	}

	if len(debugCategories) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(debugCategories, ",")))
	}

	return strings.Join(parts, " ")
}
