// Package catalog resolves track metadata from an external music provider.
// The engine treats tracks as opaque; the catalog only fills in display
// fields and durations before a track reaches it.
package catalog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"session-service/internal/session"
)

var (
	ErrUnsupportedProvider = errors.New("unsupported provider")
	ErrTrackNotFound       = errors.New("track not found")
)

// Lookup fetches the canonical descriptor of a provider track.
type Lookup interface {
	Lookup(ctx context.Context, provider, id string) (*session.Track, error)
}

const lookupTimeout = 3 * time.Second

// Enricher completes client-supplied tracks from a Lookup. Catalog failures
// never block a command: the track is returned as given.
type Enricher struct {
	lookup Lookup
	logger *slog.Logger
}

func NewEnricher(lookup Lookup, logger *slog.Logger) *Enricher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{lookup: lookup, logger: logger}
}

// Enrich fills empty fields of t. Fields the client already set win.
func (e *Enricher) Enrich(ctx context.Context, t session.Track) session.Track {
	if e == nil || e.lookup == nil || t.ID == "" || t.Provider == "" {
		return t
	}

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	found, err := e.lookup.Lookup(ctx, t.Provider, t.ID)
	if err != nil {
		if !errors.Is(err, ErrUnsupportedProvider) {
			e.logger.Warn("session-service: catalog lookup failed",
				slog.String("provider", t.Provider),
				slog.String("track_id", t.ID),
				slog.Any("error", err))
		}
		return t
	}

	if t.Name == "" {
		t.Name = found.Name
	}
	if t.Artist == "" {
		t.Artist = found.Artist
	}
	if t.ImageURL == "" {
		t.ImageURL = found.ImageURL
	}
	if t.DurationMs == 0 {
		t.DurationMs = found.DurationMs
	}
	return t
}
