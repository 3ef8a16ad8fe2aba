// Package workflows holds the built-in workflow definitions and their task
// handlers. Everything here registers at startup through RegisterAll;
// adding a workflow means adding a file with a definition, its handlers,
// and a line in the list below.
package workflows

import (
	"github.com/ternarybob/strata/internal/workflow"
)

// RegisterAll wires the built-in handlers and workflows into the given
// registries.
func RegisterAll(handlers *workflow.HandlerRegistry, registry *workflow.JobRegistry) error {
	registrations := []func(*workflow.HandlerRegistry, *workflow.JobRegistry) error{
		registerHello,
		registerProcessCSV,
		registerTileGrid,
	}

	for _, register := range registrations {
		if err := register(handlers, registry); err != nil {
			return err
		}
	}
	return nil
}
