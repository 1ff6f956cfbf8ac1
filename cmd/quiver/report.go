package main

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"quiver/internal/bow"
	"quiver/internal/scout"
)

// reportArtifacts logs a one-line summary of every collected artifact.
func reportArtifacts(logger zerolog.Logger, artifacts map[string]any) {
	names := make([]string, 0, len(artifacts))
	for name := range artifacts {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		event := logger.Info().Str("bow", name)
		switch a := artifacts[name].(type) {
		case *scout.Snapshot:
			entry, _ := a.Entry()
			event = event.Int("regions", len(a.Maps)).Int("env", len(a.Environ)).Str("entry", fmt.Sprintf("%#x", entry))
		case *bow.TraceSession:
			event = event.Str("emulator", a.Emulator).Str("log", a.LogPath)
		case *bow.Debugger:
			event = event.Str("remote", a.Remote())
		case *bow.Project:
			event = event.Str("binary", a.Binary).Int("objects", len(a.Objects))
		default:
			event = event.Str("artifact", fmt.Sprintf("%T", a))
		}
		event.Msg("Artifact collected")
	}
}
