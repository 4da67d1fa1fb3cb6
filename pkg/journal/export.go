package journal

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"
)

// EventYAML is the export form of an Event.
type EventYAML struct {
	ID        int64  `yaml:"id"`
	Kind      string `yaml:"kind"`
	User      string `yaml:"user"`
	Target    string `yaml:"target,omitempty"`
	Detail    string `yaml:"detail,omitempty"`
	CreatedAt string `yaml:"created_at"`
}

// EventsExport is the top-level YAML document written by ExportYAML.
type EventsExport struct {
	Events []EventYAML `yaml:"events"`
}

// ExportYAML renders the events matching f as a YAML document.
func (j *Journal) ExportYAML(ctx context.Context, f Filter) ([]byte, error) {
	events, err := j.List(ctx, f)
	if err != nil {
		return nil, err
	}

	export := EventsExport{Events: []EventYAML{}}
	for _, ev := range events {
		export.Events = append(export.Events, EventYAML{
			ID:        ev.ID,
			Kind:      string(ev.Kind),
			User:      ev.User,
			Target:    ev.Target,
			Detail:    ev.Detail,
			CreatedAt: ev.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	data, err := yaml.Marshal(&export)
	if err != nil {
		return nil, fmt.Errorf("journal: export: %w", err)
	}
	return data, nil
}
