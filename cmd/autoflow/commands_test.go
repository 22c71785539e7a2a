package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dukex/autoflow/pkg/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
)

func rootCommand(stdin string, out *bytes.Buffer) *cli.Command {
	return &cli.Command{
		Name:           "autoflow",
		Reader:         strings.NewReader(stdin),
		Writer:         out,
		ErrWriter:      out,
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
		Commands: []*cli.Command{
			NewValidateCommand(),
			NewVerifyCommand(),
		},
	}
}

func TestVerifyCommand(t *testing.T) {
	body := `{"eventType":"invoice.paid","eventId":"evt-1","data":{}}`
	timestamp := signature.Timestamp(time.Now())
	valid := signature.Sign(secret, timestamp, []byte(body))

	tests := []struct {
		name      string
		signature string
		wantErr   string
	}{
		{name: "valid signature", signature: valid},
		{name: "tampered signature", signature: strings.Repeat("0", len(valid)), wantErr: "signature invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer

			err := rootCommand(body, &out).Run(t.Context(), []string{
				"autoflow", "verify",
				"--secret", secret,
				"--timestamp", timestamp,
				"--signature", tt.signature,
			})

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Contains(t, out.String(), "signature valid")
		})
	}
}

func TestVerifyCommandReadsBodyFile(t *testing.T) {
	body := []byte(`{"eventType":"invoice.paid"}`)
	path := filepath.Join(t.TempDir(), "body.json")
	require.NoError(t, os.WriteFile(path, body, 0o600))

	timestamp := signature.Timestamp(time.Now())

	var out bytes.Buffer

	err := rootCommand("", &out).Run(t.Context(), []string{
		"autoflow", "verify",
		"--secret", secret,
		"--timestamp", timestamp,
		"--signature", signature.Sign(secret, timestamp, body),
		"--body", path,
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "signature valid")
}

func TestValidateCommand(t *testing.T) {
	valid := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(valid, "paid.yaml"), []byte(paidWorkflow), 0o600))

	invalid := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(invalid, "cron.yaml"), []byte(`
name: Nightly
triggers:
  - id: nightly
    event_type: schedule
    schedule_expression: "at midnight"
steps:
  - id: wait
    type: delay
    order: 1
    config:
      duration: 1s
`), 0o600))

	var out bytes.Buffer

	require.NoError(t, rootCommand("", &out).Run(t.Context(), []string{"autoflow", "validate", valid}))

	err := rootCommand("", &out).Run(t.Context(), []string{"autoflow", "validate", invalid})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cron.yaml")
	assert.Contains(t, err.Error(), "schedule_expression")

	err = rootCommand("", &out).Run(t.Context(), []string{"autoflow", "validate"})
	require.Error(t, err)
}
