// Command lontar runs the knowledge service.
//
// Usage:
//
//	lontar serve --config lontar.yaml
//	lontar validate --config lontar.yaml
//	lontar ingest --config lontar.yaml docs/uu_6_2023.txt
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/lontar-ai/lontar/pkg/logger"
)

type CLI struct {
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP server."`
	Validate ValidateCmd `cmd:"" help:"Validate the configuration file."`
	Ingest   IngestCmd   `cmd:"" help:"Ingest documents from the command line."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"lontar.yaml"`
	LogLevel  string `help:"Log level override (debug, info, warn, error)."`
	LogFormat string `help:"Log format override (text, json, auto)."`
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			version = info.Main.Version
		}
	}
	fmt.Printf("lontar %s\n", version)
	return nil
}

// initLogging applies the config file settings with CLI overrides on
// top.
func (cli *CLI) initLogging(level, format string) {
	if cli.LogLevel != "" {
		level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		format = cli.LogFormat
	}
	logger.Init(logger.ParseLevel(level), os.Stderr, format)
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("lontar"),
		kong.Description("Retrieval-augmented knowledge service for Indonesian legal, visa, tax, and business questions."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
