package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/mercury-rss/agentcore/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand(version, commit string) *cli.Command {
	return &cli.Command{
		Name:    "agentcore",
		Usage:   "Agent Runtime Core for desktop RSS summary/translation tasks",
		Version: version + " (" + commit + ")",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewServeCommand(),
			NewMigrateCommand(),
			NewDemoCommand(),
		},
	}
}
