package orchestrator

import (
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/sonicbox/internal/app/playback"
	"github.com/osa030/sonicbox/internal/app/queue"
	"github.com/osa030/sonicbox/internal/app/transfer"
	"github.com/osa030/sonicbox/internal/domain/track"
)

// Event kinds.
const (
	KindPlayback = "playback"
	KindQueue    = "queue"
	KindTransfer = "transfer"
)

// TransferInfo describes one transfer event.
type TransferInfo struct {
	TrackID  string       `json:"track_id"`
	Track    *track.Track `json:"track,omitempty"`
	Progress float64      `json:"progress"`
	Path     string       `json:"path,omitempty"`
}

// Event is an engine event in a form API clients can consume.
type Event struct {
	Kind     string           `json:"kind"`
	Type     string           `json:"type"`
	Playback *playback.Status `json:"playback,omitempty"`
	Queue    *queue.Snapshot  `json:"queue,omitempty"`
	Added    int              `json:"added,omitempty"`
	Transfer *TransferInfo    `json:"transfer,omitempty"`
	Error    string           `json:"error,omitempty"`
	Time     time.Time        `json:"time"`
}

// relayLoop forwards engine events until every engine has closed its channel
// or the orchestrator is closed.
func (o *Orchestrator) relayLoop() {
	defer func() {
		if r := recover(); r != nil {
			zlog.Error().Msgf("orchestrator: relay loop panicked: %v", r)
			// keep API subscribers fed
			zlog.Info().Msg("orchestrator: restarting relay loop")
			go o.relayLoop()
			return
		}
		o.wg.Done()
	}()

	for o.playbackEvents != nil || o.queueEvents != nil || o.transferEvents != nil {
		select {
		case <-o.ctx.Done():
			return
		case ev, ok := <-o.playbackEvents:
			if !ok {
				o.playbackEvents = nil
				continue
			}
			o.handlePlaybackEvent(ev)
		case ev, ok := <-o.queueEvents:
			if !ok {
				o.queueEvents = nil
				continue
			}
			o.handleQueueEvent(ev)
		case ev, ok := <-o.transferEvents:
			if !ok {
				o.transferEvents = nil
				continue
			}
			o.handleTransferEvent(ev)
		}
	}
}

func (o *Orchestrator) handlePlaybackEvent(ev playback.Event) {
	switch ev.Type {
	case playback.EventTrackStarted:
		if ev.Status.Track != nil {
			zlog.Info().Msgf("orchestrator: track started track=%s", ev.Status.Track.DisplayName())
		}
	case playback.EventError:
		zlog.Warn().Err(ev.Err).Msg("orchestrator: playback error")
	case playback.EventStateChanged:
		zlog.Debug().Msgf("orchestrator: playback state=%s", ev.Status.State)
	}

	status := ev.Status
	out := Event{Kind: KindPlayback, Type: ev.Type.String(), Playback: &status, Time: time.Now()}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	o.hub.Publish(out)
}

func (o *Orchestrator) handleQueueEvent(ev queue.Event) {
	switch ev.Type {
	case queue.EventReplenishFailed:
		zlog.Warn().Err(ev.Err).Msg("orchestrator: replenishment failed")
	case queue.EventReplenished:
		zlog.Info().Msgf("orchestrator: queue replenished added=%d", ev.Added)
	}

	snap := ev.Snapshot
	out := Event{Kind: KindQueue, Type: ev.Type.String(), Queue: &snap, Added: ev.Added, Time: time.Now()}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	o.hub.Publish(out)
}

func (o *Orchestrator) handleTransferEvent(ev transfer.Event) {
	switch ev.Type {
	case transfer.EventCompleted:
		zlog.Info().Msgf("orchestrator: download completed track=%s", ev.Track.DisplayName())
	case transfer.EventFailed:
		zlog.Warn().Err(ev.Err).Msgf("orchestrator: download failed id=%s", ev.TrackID)
	}

	info := &TransferInfo{TrackID: ev.TrackID, Progress: ev.Progress, Path: ev.Path}
	if ev.Track.ID != "" {
		t := ev.Track
		info.Track = &t
	}
	out := Event{Kind: KindTransfer, Type: ev.Type.String(), Transfer: info, Time: ev.Time}
	if out.Time.IsZero() {
		out.Time = time.Now()
	}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	o.hub.Publish(out)
}
