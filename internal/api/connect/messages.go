package connect

import (
	"github.com/osa030/sonicbox/internal/app/playback"
	"github.com/osa030/sonicbox/internal/app/queue"
	"github.com/osa030/sonicbox/internal/app/transfer"
	"github.com/osa030/sonicbox/internal/domain/asset"
	"github.com/osa030/sonicbox/internal/domain/track"
)

// Empty is the request of procedures without arguments.
type Empty struct{}

// PlayerResponse carries the playback status after a command.
type PlayerResponse struct {
	Status playback.Status `json:"status"`
}

// QueueResponse carries the queue after a command.
type QueueResponse struct {
	Queue queue.Snapshot `json:"queue"`
}

// PlayTrackRequest plays TrackID. When QueueIDs contains it, they become the queue.
type PlayTrackRequest struct {
	TrackID  string   `json:"track_id"`
	QueueIDs []string `json:"queue_ids,omitempty"`
}

type PlayIndexRequest struct {
	Index int `json:"index"`
}

type PlayRandomRequest struct {
	Count int `json:"count,omitempty"` // 0 uses the server default
}

type PlayRandomResponse struct {
	Track  track.Track     `json:"track"`
	Status playback.Status `json:"status"`
}

type SeekRequest struct {
	PositionMs int64 `json:"position_ms"`
}

// SkipRequest moves the position by DeltaMs; 0 uses the configured interval.
type SkipRequest struct {
	DeltaMs int64 `json:"delta_ms,omitempty"`
}

type EnqueueRequest struct {
	TrackIDs []string `json:"track_ids"`
}

type InsertNextRequest struct {
	TrackID string `json:"track_id"`
}

type RemoveRequest struct {
	Index int `json:"index"`
}

type MoveRequest struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type SetModeRequest struct {
	Mode string `json:"mode"`
}

type ModeResponse struct {
	Mode queue.Mode `json:"mode"`
}

type SetAutoReplenishRequest struct {
	Enabled bool `json:"enabled"`
}

// DownloadRequest names the track of a download operation.
type DownloadRequest struct {
	TrackID string `json:"track_id"`
}

type StartDownloadResponse struct {
	Started bool `json:"started"` // false when already downloading
}

type ListDownloadsResponse struct {
	Downloads []asset.Asset       `json:"downloads"`
	Active    []transfer.Transfer `json:"active"`
}
