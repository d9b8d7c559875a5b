// Package source decides where a track is played from.
package source

import (
	"context"
	"os"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/sonicbox/internal/domain/asset"
	"github.com/osa030/sonicbox/internal/infra/subsonic"
)

// Kind is the kind of playable location.
type Kind int

const (
	Unavailable Kind = iota
	LocalFile
	RemoteStream
)

func (k Kind) String() string {
	switch k {
	case LocalFile:
		return "local"
	case RemoteStream:
		return "remote"
	default:
		return "unavailable"
	}
}

// Source is a resolved playback location.
type Source struct {
	Kind     Kind
	Location string // file path or stream URL; empty when Unavailable
}

// Playable reports whether the source can be opened.
func (s Source) Playable() bool {
	return s.Kind != Unavailable
}

// StreamCatalog builds remote stream URLs.
type StreamCatalog interface {
	StreamURL(id string) (string, error)
}

// Resolver resolves track identifiers to playback sources.
// Local copies always win over remote streams.
type Resolver struct {
	store   asset.Store
	catalog StreamCatalog
	// statFile guards against records whose file vanished since the last reconcile
	statFile func(string) error
}

// NewResolver creates a new resolver.
func NewResolver(store asset.Store, catalog StreamCatalog) *Resolver {
	return &Resolver{
		store:   store,
		catalog: catalog,
		statFile: func(p string) error {
			_, err := os.Stat(p)
			return err
		},
	}
}

// Resolve returns the playback source for a track.
// Unavailable is returned with a nil error when no server identity is configured.
func (r *Resolver) Resolve(ctx context.Context, id string) (Source, error) {
	if r.store != nil {
		a, ok, err := r.store.Lookup(ctx, id)
		if err != nil {
			zlog.Warn().Err(err).Msgf("source: asset lookup failed id=%s", id)
		} else if ok {
			if err := r.statFile(a.Path); err == nil {
				return Source{Kind: LocalFile, Location: a.Path}, nil
			}
			zlog.Warn().Msgf("source: downloaded file missing, falling back to stream id=%s path=%s", id, a.Path)
		}
	}

	if r.catalog == nil {
		return Source{Kind: Unavailable}, nil
	}
	streamURL, err := r.catalog.StreamURL(id)
	if errors.Is(err, subsonic.ErrNotConfigured) {
		return Source{Kind: Unavailable}, nil
	}
	if err != nil {
		return Source{Kind: Unavailable}, errors.Wrapf(err, "failed to build stream url for %s", id)
	}
	return Source{Kind: RemoteStream, Location: streamURL}, nil
}
