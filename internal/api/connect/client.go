package connect

import (
	"context"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"

	"github.com/osa030/sonicbox/internal/app/orchestrator"
	"github.com/osa030/sonicbox/internal/app/queue"
)

// Client is a PlayerService client.
type Client struct {
	httpClient connect.HTTPClient
	baseURL    string
	opts       []connect.ClientOption
}

// NewClient creates a client for the server at baseURL. An empty token sends no header.
func NewClient(httpClient connect.HTTPClient, baseURL, token string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		opts: []connect.ClientOption{
			connect.WithCodec(jsonCodec{}),
			connect.WithInterceptors(&tokenInterceptor{token: token}),
		},
	}
}

func call[Req, Res any](ctx context.Context, c *Client, procedure string, msg *Req) (*Res, error) {
	client := connect.NewClient[Req, Res](c.httpClient, c.baseURL+procedure, c.opts...)
	resp, err := client.CallUnary(ctx, connect.NewRequest(msg))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) Status(ctx context.Context) (*orchestrator.Status, error) {
	return call[Empty, orchestrator.Status](ctx, c, ProcedureGetStatus, &Empty{})
}

func (c *Client) PlayTrack(ctx context.Context, trackID string, queueIDs []string) (*PlayerResponse, error) {
	return call[PlayTrackRequest, PlayerResponse](ctx, c, ProcedurePlayTrack, &PlayTrackRequest{TrackID: trackID, QueueIDs: queueIDs})
}

func (c *Client) PlayIndex(ctx context.Context, index int) (*PlayerResponse, error) {
	return call[PlayIndexRequest, PlayerResponse](ctx, c, ProcedurePlayIndex, &PlayIndexRequest{Index: index})
}

func (c *Client) PlayRandom(ctx context.Context, count int) (*PlayRandomResponse, error) {
	return call[PlayRandomRequest, PlayRandomResponse](ctx, c, ProcedurePlayRandom, &PlayRandomRequest{Count: count})
}

func (c *Client) Play(ctx context.Context) (*PlayerResponse, error) {
	return call[Empty, PlayerResponse](ctx, c, ProcedurePlay, &Empty{})
}

func (c *Client) Pause(ctx context.Context) (*PlayerResponse, error) {
	return call[Empty, PlayerResponse](ctx, c, ProcedurePause, &Empty{})
}

func (c *Client) Toggle(ctx context.Context) (*PlayerResponse, error) {
	return call[Empty, PlayerResponse](ctx, c, ProcedureToggle, &Empty{})
}

func (c *Client) Next(ctx context.Context) (*PlayerResponse, error) {
	return call[Empty, PlayerResponse](ctx, c, ProcedureNext, &Empty{})
}

func (c *Client) Previous(ctx context.Context) (*PlayerResponse, error) {
	return call[Empty, PlayerResponse](ctx, c, ProcedurePrevious, &Empty{})
}

func (c *Client) Seek(ctx context.Context, pos time.Duration) (*PlayerResponse, error) {
	return call[SeekRequest, PlayerResponse](ctx, c, ProcedureSeek, &SeekRequest{PositionMs: pos.Milliseconds()})
}

// SkipForward seeks forward by delta; 0 uses the server's interval.
func (c *Client) SkipForward(ctx context.Context, delta time.Duration) (*PlayerResponse, error) {
	return call[SkipRequest, PlayerResponse](ctx, c, ProcedureSkipForward, &SkipRequest{DeltaMs: delta.Milliseconds()})
}

// SkipBackward seeks backward by delta; 0 uses the server's interval.
func (c *Client) SkipBackward(ctx context.Context, delta time.Duration) (*PlayerResponse, error) {
	return call[SkipRequest, PlayerResponse](ctx, c, ProcedureSkipBackward, &SkipRequest{DeltaMs: delta.Milliseconds()})
}

func (c *Client) Stop(ctx context.Context) (*PlayerResponse, error) {
	return call[Empty, PlayerResponse](ctx, c, ProcedureStop, &Empty{})
}

func (c *Client) Queue(ctx context.Context) (*QueueResponse, error) {
	return call[Empty, QueueResponse](ctx, c, ProcedureGetQueue, &Empty{})
}

func (c *Client) Enqueue(ctx context.Context, trackIDs ...string) (*QueueResponse, error) {
	return call[EnqueueRequest, QueueResponse](ctx, c, ProcedureEnqueue, &EnqueueRequest{TrackIDs: trackIDs})
}

func (c *Client) InsertNext(ctx context.Context, trackID string) (*QueueResponse, error) {
	return call[InsertNextRequest, QueueResponse](ctx, c, ProcedureInsertNext, &InsertNextRequest{TrackID: trackID})
}

func (c *Client) Remove(ctx context.Context, index int) (*QueueResponse, error) {
	return call[RemoveRequest, QueueResponse](ctx, c, ProcedureRemove, &RemoveRequest{Index: index})
}

func (c *Client) Move(ctx context.Context, from, to int) (*QueueResponse, error) {
	return call[MoveRequest, QueueResponse](ctx, c, ProcedureMove, &MoveRequest{From: from, To: to})
}

func (c *Client) CycleMode(ctx context.Context) (queue.Mode, error) {
	resp, err := call[Empty, ModeResponse](ctx, c, ProcedureCycleMode, &Empty{})
	if err != nil {
		return queue.ModeOff, err
	}
	return resp.Mode, nil
}

func (c *Client) SetMode(ctx context.Context, mode string) (queue.Mode, error) {
	resp, err := call[SetModeRequest, ModeResponse](ctx, c, ProcedureSetMode, &SetModeRequest{Mode: mode})
	if err != nil {
		return queue.ModeOff, err
	}
	return resp.Mode, nil
}

func (c *Client) SetAutoReplenish(ctx context.Context, enabled bool) (*QueueResponse, error) {
	return call[SetAutoReplenishRequest, QueueResponse](ctx, c, ProcedureSetAutoReplenish, &SetAutoReplenishRequest{Enabled: enabled})
}

func (c *Client) StartDownload(ctx context.Context, trackID string) (bool, error) {
	resp, err := call[DownloadRequest, StartDownloadResponse](ctx, c, ProcedureStartDownload, &DownloadRequest{TrackID: trackID})
	if err != nil {
		return false, err
	}
	return resp.Started, nil
}

func (c *Client) CancelDownload(ctx context.Context, trackID string) error {
	_, err := call[DownloadRequest, Empty](ctx, c, ProcedureCancelDownload, &DownloadRequest{TrackID: trackID})
	return err
}

func (c *Client) DeleteDownload(ctx context.Context, trackID string) error {
	_, err := call[DownloadRequest, Empty](ctx, c, ProcedureDeleteDownload, &DownloadRequest{TrackID: trackID})
	return err
}

func (c *Client) ListDownloads(ctx context.Context) (*ListDownloadsResponse, error) {
	return call[Empty, ListDownloadsResponse](ctx, c, ProcedureListDownloads, &Empty{})
}

// Subscribe calls fn for every streamed event until ctx is done, the stream
// ends or fn returns an error.
func (c *Client) Subscribe(ctx context.Context, fn func(orchestrator.Event) error) error {
	client := connect.NewClient[Empty, orchestrator.Event](c.httpClient, c.baseURL+ProcedureSubscribe, c.opts...)
	stream, err := client.CallServerStream(ctx, connect.NewRequest(&Empty{}))
	if err != nil {
		return err
	}
	defer stream.Close()

	for stream.Receive() {
		if err := fn(*stream.Msg()); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
