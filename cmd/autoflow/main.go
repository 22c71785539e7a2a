package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "autoflow",
		Usage:                 "Event-driven workflow automation and outbound webhook delivery",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			NewServeCommand(),
			NewValidateCommand(),
			NewVerifyCommand(),
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
