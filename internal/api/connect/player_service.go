// Package connect provides the Connect RPC player service.
package connect

import (
	"context"
	"net/http"
	"time"

	"connectrpc.com/connect"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/sonicbox/internal/app/orchestrator"
	"github.com/osa030/sonicbox/internal/app/queue"
)

// PlayerServiceName is the fully-qualified name of the player service.
const PlayerServiceName = "sonicbox.v1.PlayerService"

// Procedure paths of the player service.
const (
	ProcedureGetStatus        = "/" + PlayerServiceName + "/GetStatus"
	ProcedurePlayTrack        = "/" + PlayerServiceName + "/PlayTrack"
	ProcedurePlayIndex        = "/" + PlayerServiceName + "/PlayIndex"
	ProcedurePlayRandom       = "/" + PlayerServiceName + "/PlayRandom"
	ProcedurePlay             = "/" + PlayerServiceName + "/Play"
	ProcedurePause            = "/" + PlayerServiceName + "/Pause"
	ProcedureToggle           = "/" + PlayerServiceName + "/Toggle"
	ProcedureNext             = "/" + PlayerServiceName + "/Next"
	ProcedurePrevious         = "/" + PlayerServiceName + "/Previous"
	ProcedureSeek             = "/" + PlayerServiceName + "/Seek"
	ProcedureSkipForward      = "/" + PlayerServiceName + "/SkipForward"
	ProcedureSkipBackward     = "/" + PlayerServiceName + "/SkipBackward"
	ProcedureStop             = "/" + PlayerServiceName + "/Stop"
	ProcedureGetQueue         = "/" + PlayerServiceName + "/GetQueue"
	ProcedureEnqueue          = "/" + PlayerServiceName + "/Enqueue"
	ProcedureInsertNext       = "/" + PlayerServiceName + "/InsertNext"
	ProcedureRemove           = "/" + PlayerServiceName + "/Remove"
	ProcedureMove             = "/" + PlayerServiceName + "/Move"
	ProcedureCycleMode        = "/" + PlayerServiceName + "/CycleMode"
	ProcedureSetMode          = "/" + PlayerServiceName + "/SetMode"
	ProcedureSetAutoReplenish = "/" + PlayerServiceName + "/SetAutoReplenish"
	ProcedureStartDownload    = "/" + PlayerServiceName + "/StartDownload"
	ProcedureCancelDownload   = "/" + PlayerServiceName + "/CancelDownload"
	ProcedureDeleteDownload   = "/" + PlayerServiceName + "/DeleteDownload"
	ProcedureListDownloads    = "/" + PlayerServiceName + "/ListDownloads"
	ProcedureSubscribe        = "/" + PlayerServiceName + "/Subscribe"
)

// PlayerService implements the PlayerService RPC.
type PlayerService struct {
	orch *orchestrator.Orchestrator
}

// NewPlayerService creates a new PlayerService.
func NewPlayerService(orch *orchestrator.Orchestrator) *PlayerService {
	return &PlayerService{orch: orch}
}

// NewPlayerServiceHandler builds an HTTP handler for every procedure of svc.
// It returns the path prefix to mount the handler on.
func NewPlayerServiceHandler(svc *PlayerService, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)

	mux := http.NewServeMux()
	mux.Handle(ProcedureGetStatus, connect.NewUnaryHandler(ProcedureGetStatus, svc.GetStatus, opts...))
	mux.Handle(ProcedurePlayTrack, connect.NewUnaryHandler(ProcedurePlayTrack, svc.PlayTrack, opts...))
	mux.Handle(ProcedurePlayIndex, connect.NewUnaryHandler(ProcedurePlayIndex, svc.PlayIndex, opts...))
	mux.Handle(ProcedurePlayRandom, connect.NewUnaryHandler(ProcedurePlayRandom, svc.PlayRandom, opts...))
	mux.Handle(ProcedurePlay, connect.NewUnaryHandler(ProcedurePlay, svc.Play, opts...))
	mux.Handle(ProcedurePause, connect.NewUnaryHandler(ProcedurePause, svc.Pause, opts...))
	mux.Handle(ProcedureToggle, connect.NewUnaryHandler(ProcedureToggle, svc.Toggle, opts...))
	mux.Handle(ProcedureNext, connect.NewUnaryHandler(ProcedureNext, svc.Next, opts...))
	mux.Handle(ProcedurePrevious, connect.NewUnaryHandler(ProcedurePrevious, svc.Previous, opts...))
	mux.Handle(ProcedureSeek, connect.NewUnaryHandler(ProcedureSeek, svc.Seek, opts...))
	mux.Handle(ProcedureSkipForward, connect.NewUnaryHandler(ProcedureSkipForward, svc.SkipForward, opts...))
	mux.Handle(ProcedureSkipBackward, connect.NewUnaryHandler(ProcedureSkipBackward, svc.SkipBackward, opts...))
	mux.Handle(ProcedureStop, connect.NewUnaryHandler(ProcedureStop, svc.Stop, opts...))
	mux.Handle(ProcedureGetQueue, connect.NewUnaryHandler(ProcedureGetQueue, svc.GetQueue, opts...))
	mux.Handle(ProcedureEnqueue, connect.NewUnaryHandler(ProcedureEnqueue, svc.Enqueue, opts...))
	mux.Handle(ProcedureInsertNext, connect.NewUnaryHandler(ProcedureInsertNext, svc.InsertNext, opts...))
	mux.Handle(ProcedureRemove, connect.NewUnaryHandler(ProcedureRemove, svc.Remove, opts...))
	mux.Handle(ProcedureMove, connect.NewUnaryHandler(ProcedureMove, svc.Move, opts...))
	mux.Handle(ProcedureCycleMode, connect.NewUnaryHandler(ProcedureCycleMode, svc.CycleMode, opts...))
	mux.Handle(ProcedureSetMode, connect.NewUnaryHandler(ProcedureSetMode, svc.SetMode, opts...))
	mux.Handle(ProcedureSetAutoReplenish, connect.NewUnaryHandler(ProcedureSetAutoReplenish, svc.SetAutoReplenish, opts...))
	mux.Handle(ProcedureStartDownload, connect.NewUnaryHandler(ProcedureStartDownload, svc.StartDownload, opts...))
	mux.Handle(ProcedureCancelDownload, connect.NewUnaryHandler(ProcedureCancelDownload, svc.CancelDownload, opts...))
	mux.Handle(ProcedureDeleteDownload, connect.NewUnaryHandler(ProcedureDeleteDownload, svc.DeleteDownload, opts...))
	mux.Handle(ProcedureListDownloads, connect.NewUnaryHandler(ProcedureListDownloads, svc.ListDownloads, opts...))
	mux.Handle(ProcedureSubscribe, connect.NewServerStreamHandler(ProcedureSubscribe, svc.Subscribe, opts...))

	return "/" + PlayerServiceName + "/", mux
}

// GetStatus returns the state of every engine.
func (s *PlayerService) GetStatus(
	ctx context.Context,
	req *connect.Request[Empty],
) (*connect.Response[orchestrator.Status], error) {
	return connect.NewResponse(ptr(s.orch.Status())), nil
}

// PlayTrack plays a track, optionally replacing the queue.
func (s *PlayerService) PlayTrack(
	ctx context.Context,
	req *connect.Request[PlayTrackRequest],
) (*connect.Response[PlayerResponse], error) {
	if req.Msg.TrackID == "" {
		return nil, invalidArgument("track_id is required")
	}
	t, err := s.orch.LookupTrack(ctx, req.Msg.TrackID)
	if err != nil {
		return nil, toConnectError(err)
	}
	list, err := s.orch.LookupTracks(ctx, req.Msg.QueueIDs)
	if err != nil {
		return nil, toConnectError(err)
	}
	return s.playerResponse(s.orch.Playback().PlayTrack(t, list))
}

// PlayIndex jumps to a queue position.
func (s *PlayerService) PlayIndex(
	ctx context.Context,
	req *connect.Request[PlayIndexRequest],
) (*connect.Response[PlayerResponse], error) {
	if req.Msg.Index < 0 {
		return nil, invalidArgument("index must not be negative")
	}
	return s.playerResponse(s.orch.Playback().PlayIndex(req.Msg.Index))
}

// PlayRandom replaces the queue with random catalog tracks.
func (s *PlayerService) PlayRandom(
	ctx context.Context,
	req *connect.Request[PlayRandomRequest],
) (*connect.Response[PlayRandomResponse], error) {
	if req.Msg.Count < 0 {
		return nil, invalidArgument("count must not be negative")
	}
	t, err := s.orch.PlayRandom(ctx, req.Msg.Count)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&PlayRandomResponse{
		Track:  t,
		Status: s.orch.Playback().Status(),
	}), nil
}

// Play resumes or starts playback.
func (s *PlayerService) Play(
	ctx context.Context,
	req *connect.Request[Empty],
) (*connect.Response[PlayerResponse], error) {
	return s.playerResponse(s.orch.Playback().Play())
}

// Pause pauses playback.
func (s *PlayerService) Pause(
	ctx context.Context,
	req *connect.Request[Empty],
) (*connect.Response[PlayerResponse], error) {
	return s.playerResponse(s.orch.Playback().Pause())
}

// Toggle toggles between playing and paused.
func (s *PlayerService) Toggle(
	ctx context.Context,
	req *connect.Request[Empty],
) (*connect.Response[PlayerResponse], error) {
	return s.playerResponse(s.orch.Playback().TogglePlayPause())
}

// Next plays the next queue entry.
func (s *PlayerService) Next(
	ctx context.Context,
	req *connect.Request[Empty],
) (*connect.Response[PlayerResponse], error) {
	return s.playerResponse(s.orch.Playback().Next())
}

// Previous restarts the track or plays the prior entry.
func (s *PlayerService) Previous(
	ctx context.Context,
	req *connect.Request[Empty],
) (*connect.Response[PlayerResponse], error) {
	return s.playerResponse(s.orch.Playback().Previous())
}

// Seek moves the playback position.
func (s *PlayerService) Seek(
	ctx context.Context,
	req *connect.Request[SeekRequest],
) (*connect.Response[PlayerResponse], error) {
	if req.Msg.PositionMs < 0 {
		return nil, invalidArgument("position_ms must not be negative")
	}
	return s.playerResponse(s.orch.Playback().Seek(time.Duration(req.Msg.PositionMs) * time.Millisecond))
}

// SkipForward seeks forward.
func (s *PlayerService) SkipForward(
	ctx context.Context,
	req *connect.Request[SkipRequest],
) (*connect.Response[PlayerResponse], error) {
	return s.playerResponse(s.orch.Playback().SkipForward(time.Duration(req.Msg.DeltaMs) * time.Millisecond))
}

// SkipBackward seeks backward.
func (s *PlayerService) SkipBackward(
	ctx context.Context,
	req *connect.Request[SkipRequest],
) (*connect.Response[PlayerResponse], error) {
	return s.playerResponse(s.orch.Playback().SkipBackward(time.Duration(req.Msg.DeltaMs) * time.Millisecond))
}

// Stop stops playback and clears the queue.
func (s *PlayerService) Stop(
	ctx context.Context,
	req *connect.Request[Empty],
) (*connect.Response[PlayerResponse], error) {
	return s.playerResponse(s.orch.Clear())
}

// GetQueue returns the queue.
func (s *PlayerService) GetQueue(
	ctx context.Context,
	req *connect.Request[Empty],
) (*connect.Response[QueueResponse], error) {
	return s.queueResponse()
}

// Enqueue appends tracks to the queue.
func (s *PlayerService) Enqueue(
	ctx context.Context,
	req *connect.Request[EnqueueRequest],
) (*connect.Response[QueueResponse], error) {
	if len(req.Msg.TrackIDs) == 0 {
		return nil, invalidArgument("track_ids is required")
	}
	tracks, err := s.orch.LookupTracks(ctx, req.Msg.TrackIDs)
	if err != nil {
		return nil, toConnectError(err)
	}
	s.orch.Queue().Enqueue(tracks...)
	return s.queueResponse()
}

// InsertNext places a track right after the current entry.
func (s *PlayerService) InsertNext(
	ctx context.Context,
	req *connect.Request[InsertNextRequest],
) (*connect.Response[QueueResponse], error) {
	if req.Msg.TrackID == "" {
		return nil, invalidArgument("track_id is required")
	}
	t, err := s.orch.LookupTrack(ctx, req.Msg.TrackID)
	if err != nil {
		return nil, toConnectError(err)
	}
	s.orch.Queue().InsertNext(t)
	return s.queueResponse()
}

// Remove removes a queue entry other than the current one.
func (s *PlayerService) Remove(
	ctx context.Context,
	req *connect.Request[RemoveRequest],
) (*connect.Response[QueueResponse], error) {
	if !s.orch.Queue().RemoveAt(req.Msg.Index) {
		return nil, connect.NewError(connect.CodeFailedPrecondition, errIndex("cannot remove index", req.Msg.Index))
	}
	return s.queueResponse()
}

// Move relocates a queue entry other than the current one.
func (s *PlayerService) Move(
	ctx context.Context,
	req *connect.Request[MoveRequest],
) (*connect.Response[QueueResponse], error) {
	if !s.orch.Queue().Move(req.Msg.From, req.Msg.To) {
		return nil, connect.NewError(connect.CodeFailedPrecondition, errIndex("cannot move index", req.Msg.From))
	}
	return s.queueResponse()
}

// CycleMode rotates the queue mode.
func (s *PlayerService) CycleMode(
	ctx context.Context,
	req *connect.Request[Empty],
) (*connect.Response[ModeResponse], error) {
	return connect.NewResponse(&ModeResponse{Mode: s.orch.Queue().CycleMode()}), nil
}

// SetMode sets the queue mode.
func (s *PlayerService) SetMode(
	ctx context.Context,
	req *connect.Request[SetModeRequest],
) (*connect.Response[ModeResponse], error) {
	mode, err := queue.ParseMode(req.Msg.Mode)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	s.orch.Queue().SetMode(mode)
	return connect.NewResponse(&ModeResponse{Mode: mode}), nil
}

// SetAutoReplenish turns queue replenishment on or off.
func (s *PlayerService) SetAutoReplenish(
	ctx context.Context,
	req *connect.Request[SetAutoReplenishRequest],
) (*connect.Response[QueueResponse], error) {
	s.orch.Queue().SetAutoReplenish(req.Msg.Enabled)
	return s.queueResponse()
}

// StartDownload starts downloading a track.
func (s *PlayerService) StartDownload(
	ctx context.Context,
	req *connect.Request[DownloadRequest],
) (*connect.Response[StartDownloadResponse], error) {
	if req.Msg.TrackID == "" {
		return nil, invalidArgument("track_id is required")
	}
	started, err := s.orch.StartDownload(ctx, req.Msg.TrackID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&StartDownloadResponse{Started: started}), nil
}

// CancelDownload cancels an in-flight download.
func (s *PlayerService) CancelDownload(
	ctx context.Context,
	req *connect.Request[DownloadRequest],
) (*connect.Response[Empty], error) {
	s.orch.Transfers().CancelDownload(req.Msg.TrackID)
	return connect.NewResponse(&Empty{}), nil
}

// DeleteDownload deletes a downloaded file and its record.
func (s *PlayerService) DeleteDownload(
	ctx context.Context,
	req *connect.Request[DownloadRequest],
) (*connect.Response[Empty], error) {
	if req.Msg.TrackID == "" {
		return nil, invalidArgument("track_id is required")
	}
	if err := s.orch.Transfers().DeleteAsset(ctx, req.Msg.TrackID); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&Empty{}), nil
}

// ListDownloads returns completed and in-flight downloads.
func (s *PlayerService) ListDownloads(
	ctx context.Context,
	req *connect.Request[Empty],
) (*connect.Response[ListDownloadsResponse], error) {
	downloads, err := s.orch.Transfers().Downloads(ctx)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&ListDownloadsResponse{
		Downloads: downloads,
		Active:    s.orch.Transfers().Active(),
	}), nil
}

// Subscribe streams engine events, starting with a snapshot of the current state.
func (s *PlayerService) Subscribe(
	ctx context.Context,
	req *connect.Request[Empty],
	stream *connect.ServerStream[orchestrator.Event],
) error {
	subscriptionID, events := s.orch.Subscribe()
	defer s.orch.Unsubscribe(subscriptionID)

	zlog.Info().Msgf("api: subscriber connected id=%s", subscriptionID)
	defer zlog.Info().Msgf("api: subscriber disconnected id=%s", subscriptionID)

	status := s.orch.Status()
	snapshot := &orchestrator.Event{
		Kind:     orchestrator.KindPlayback,
		Type:     "snapshot",
		Playback: &status.Playback,
		Queue:    &status.Queue,
		Time:     time.Now(),
	}
	if err := stream.Send(snapshot); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := stream.Send(&ev); err != nil {
				zlog.Debug().Msgf("api: failed to send event id=%s: %v", subscriptionID, err)
				return err
			}
		}
	}
}

func (s *PlayerService) playerResponse(err error) (*connect.Response[PlayerResponse], error) {
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&PlayerResponse{Status: s.orch.Playback().Status()}), nil
}

func (s *PlayerService) queueResponse() (*connect.Response[QueueResponse], error) {
	return connect.NewResponse(&QueueResponse{Queue: s.orch.Queue().Snapshot()}), nil
}

func ptr[T any](v T) *T {
	return &v
}
