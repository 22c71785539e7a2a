package main

import (
	"context"
	"fmt"

	"github.com/dukex/autoflow/pkg/definitions"
	"github.com/dukex/autoflow/pkg/log"
	"github.com/dukex/autoflow/pkg/workflow"
	"github.com/urfave/cli/v3"
)

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Validate a directory of workflow definitions without starting anything",
		ArgsUsage: "<dir>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "max-depth",
				Usage:   "Maximum sub-workflow nesting depth",
				Value:   workflow.DefaultMaxDepth,
				Sources: cli.EnvVars("MAX_DEPTH"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("validate")

			dir := command.Args().First()
			if dir == "" {
				return cli.Exit("a definitions directory is required", 2)
			}

			files, err := definitions.Load(dir)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			if err := definitions.Validate(ctx, files, command.Int("max-depth")); err != nil {
				return cli.Exit(fmt.Sprintf("invalid definitions:\n%s", err), 1)
			}

			for _, f := range files {
				logger.InfoContext(ctx, "Definition is valid", "file", f.Name, "workflow_id", f.Definition.ID)
			}

			return nil
		},
	}
}
