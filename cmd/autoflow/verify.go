package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dukex/autoflow/pkg/signature"
	"github.com/urfave/cli/v3"
)

// NewVerifyCommand checks a received webhook the way a receiver should.
func NewVerifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Verify the signature of a delivered webhook body",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "secret",
				Usage:    "Subscription secret",
				Required: true,
				Sources:  cli.EnvVars("WEBHOOK_SECRET"),
			},
			&cli.StringFlag{
				Name:     "timestamp",
				Usage:    "Value of the " + signature.HeaderTimestamp + " header",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "signature",
				Usage:    "Value of the " + signature.HeaderSignature + " header",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "body",
				Usage: "File holding the raw request body, - for stdin",
				Value: "-",
			},
			&cli.DurationFlag{
				Name:  "tolerance",
				Usage: "Accepted clock skew, zero to skip the timestamp window",
				Value: signature.DefaultTolerance,
			},
		},
		Action: func(_ context.Context, command *cli.Command) error {
			body, err := readBody(command.String("body"), command.Root().Reader)
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}

			err = signature.Verify(
				command.String("secret"),
				command.String("timestamp"),
				body,
				command.String("signature"),
				time.Now(),
				command.Duration("tolerance"),
			)
			if err != nil {
				return cli.Exit("signature invalid: "+err.Error(), 1)
			}

			_, err = fmt.Fprintln(command.Root().Writer, "signature valid")

			return err
		},
	}
}

func readBody(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		if stdin == nil {
			stdin = os.Stdin
		}

		return io.ReadAll(stdin)
	}

	return os.ReadFile(path)
}
