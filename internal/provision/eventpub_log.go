package provision

import "github.com/rs/zerolog"

// LogPublisher writes every event as a structured log line at debug level.
type LogPublisher struct {
	Logger zerolog.Logger
}

func (p LogPublisher) Publish(e Event) {
	ev := p.Logger.Debug().Str("event", e.Name)
	if e.Kind != "" {
		ev = ev.Str("kind", string(e.Kind))
	}
	ev.Fields(e.Fields).Msg("orchestrator event")
}
