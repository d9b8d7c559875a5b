package connect

import (
	"connectrpc.com/connect"
	"github.com/cockroachdb/errors"

	"github.com/osa030/sonicbox/internal/app/orchestrator"
	"github.com/osa030/sonicbox/internal/app/playback"
	"github.com/osa030/sonicbox/internal/app/queue"
	"github.com/osa030/sonicbox/internal/app/transfer"
	"github.com/osa030/sonicbox/internal/infra/subsonic"
)

// subsonicNotFound is the Subsonic error code for a missing entity.
const subsonicNotFound = 70

// toConnectError maps engine errors onto connect codes.
func toConnectError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *subsonic.APIError
	var httpErr *subsonic.HTTPError
	switch {
	case errors.Is(err, orchestrator.ErrTrackNotFound),
		errors.Is(err, orchestrator.ErrNoTracks):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.As(err, &apiErr) && apiErr.Code == subsonicNotFound:
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, playback.ErrNoTrack),
		errors.Is(err, playback.ErrNoNextTrack),
		errors.Is(err, playback.ErrNotPlaying),
		errors.Is(err, playback.ErrNotPaused),
		errors.Is(err, queue.ErrNoSource),
		errors.Is(err, transfer.ErrNotConfigured),
		errors.Is(err, subsonic.ErrNotConfigured):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, playback.ErrSourceUnavailable),
		errors.Is(err, playback.ErrLoadFailed),
		errors.Is(err, playback.ErrClosed),
		errors.Is(err, transfer.ErrClosed),
		errors.As(err, &httpErr):
		return connect.NewError(connect.CodeUnavailable, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}

func invalidArgument(msg string) error {
	return connect.NewError(connect.CodeInvalidArgument, errors.New(msg))
}

func errIndex(msg string, i int) error {
	return errors.Newf("%s %d", msg, i)
}
