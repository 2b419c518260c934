package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/funnelflow/funnelflow/pkg/graph"
	"github.com/funnelflow/funnelflow/pkg/models"
	cli "github.com/urfave/cli/v3"
)

var errMissingFile = errors.New("usage: funnelflow validate <graph.json>")

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Validate an automation graph definition",
		ArgsUsage: "<graph.json>",
		Action: func(_ context.Context, command *cli.Command) error {
			path := command.Args().First()
			if path == "" {
				return errMissingFile
			}

			return validateFile(path, command.Root().Writer)
		},
	}
}

// validateFile prints the validation report of the graph at path and fails when the graph
// could not be enabled.
func validateFile(path string, out io.Writer) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var automation models.AutomationGraph
	if err := json.Unmarshal(raw, &automation); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}

	report := graph.Validate(&automation)

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(report); err != nil {
		return err
	}

	return report.Err()
}
