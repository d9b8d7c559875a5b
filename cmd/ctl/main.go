// Package main provides the remote control CLI entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"

	apiconnect "github.com/osa030/sonicbox/internal/api/connect"
	"github.com/osa030/sonicbox/internal/app/orchestrator"
	"github.com/osa030/sonicbox/internal/app/playback"
	"github.com/osa030/sonicbox/internal/app/queue"
)

var (
	app    = kingpin.New("sonicbox-ctl", "sonicbox remote control client")
	server = app.Flag("server", "Server address").Default("http://localhost:8080").String()
	token  = app.Flag("token", "API token (or set API_TOKEN env)").Envar("API_TOKEN").String()

	statusCmd = app.Command("status", "Show playback, queue and transfer status")

	playCmd     = app.Command("play", "Play a track, or resume when no track is given")
	playTrack   = playCmd.Arg("track-id", "Track ID").String()
	playQueue   = playCmd.Flag("queue", "Track IDs that become the queue").Strings()
	pauseCmd    = app.Command("pause", "Pause playback")
	resumeCmd   = app.Command("resume", "Resume playback")
	toggleCmd   = app.Command("toggle", "Toggle play/pause")
	nextCmd     = app.Command("next", "Play the next track")
	previousCmd = app.Command("previous", "Restart the track or play the previous one").Alias("prev")
	stopCmd     = app.Command("stop", "Stop playback and clear the queue")

	seekCmd      = app.Command("seek", "Seek to a position")
	seekPosition = seekCmd.Arg("position", "Position, e.g. 1m30s").Required().Duration()
	forwardCmd   = app.Command("forward", "Skip forward")
	forwardDelta = forwardCmd.Arg("delta", "Distance, e.g. 15s (server default when omitted)").Duration()
	backwardCmd  = app.Command("backward", "Skip backward")
	backDelta    = backwardCmd.Arg("delta", "Distance, e.g. 15s (server default when omitted)").Duration()

	modeCmd   = app.Command("mode", "Cycle the queue mode, or set it")
	modeValue = modeCmd.Arg("mode", "off, repeat-all, repeat-one or shuffle").Enum("off", "repeat-all", "repeat-one", "shuffle")
	autoCmd   = app.Command("auto", "Turn automatic queue replenishment on or off")
	autoValue = autoCmd.Arg("state", "on or off").Required().Enum("on", "off")

	queueCmd      = app.Command("queue", "Show the queue")
	enqueueCmd    = app.Command("enqueue", "Append tracks to the queue")
	enqueueIDs    = enqueueCmd.Arg("track-ids", "Track IDs").Required().Strings()
	insertNextCmd = app.Command("insert-next", "Play a track after the current one")
	insertNextID  = insertNextCmd.Arg("track-id", "Track ID").Required().String()
	removeCmd     = app.Command("remove", "Remove a queue entry")
	removeIndex   = removeCmd.Arg("index", "Queue index").Required().Int()
	moveCmd       = app.Command("move", "Move a queue entry")
	moveFrom      = moveCmd.Arg("from", "Queue index").Required().Int()
	moveTo        = moveCmd.Arg("to", "Queue index").Required().Int()
	jumpCmd       = app.Command("jump", "Play the queue entry at an index")
	jumpIndex     = jumpCmd.Arg("index", "Queue index").Required().Int()
	randomCmd     = app.Command("random", "Play random tracks from the library")
	randomCount   = randomCmd.Arg("count", "Number of tracks").Default("20").Int()

	downloadCmd  = app.Command("download", "Download a track for offline playback")
	downloadID   = downloadCmd.Arg("track-id", "Track ID").Required().String()
	cancelCmd    = app.Command("cancel", "Cancel a download")
	cancelID     = cancelCmd.Arg("track-id", "Track ID").Required().String()
	deleteCmd    = app.Command("delete", "Delete a downloaded track")
	deleteID     = deleteCmd.Arg("track-id", "Track ID").Required().String()
	downloadsCmd = app.Command("downloads", "List downloads")

	watchCmd = app.Command("watch", "Stream player events")
)

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	client := apiconnect.NewClient(http.DefaultClient, *server, *token)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch command {
	case statusCmd.FullCommand():
		err = status(ctx, client)
	case playCmd.FullCommand():
		if *playTrack == "" {
			err = printPlayer(client.Play(ctx))
		} else {
			err = printPlayer(client.PlayTrack(ctx, *playTrack, *playQueue))
		}
	case pauseCmd.FullCommand():
		err = printPlayer(client.Pause(ctx))
	case resumeCmd.FullCommand():
		err = printPlayer(client.Play(ctx))
	case toggleCmd.FullCommand():
		err = printPlayer(client.Toggle(ctx))
	case nextCmd.FullCommand():
		err = printPlayer(client.Next(ctx))
	case previousCmd.FullCommand():
		err = printPlayer(client.Previous(ctx))
	case stopCmd.FullCommand():
		err = printPlayer(client.Stop(ctx))
	case seekCmd.FullCommand():
		err = printPlayer(client.Seek(ctx, *seekPosition))
	case forwardCmd.FullCommand():
		err = printPlayer(client.SkipForward(ctx, *forwardDelta))
	case backwardCmd.FullCommand():
		err = printPlayer(client.SkipBackward(ctx, *backDelta))
	case modeCmd.FullCommand():
		err = mode(ctx, client, *modeValue)
	case autoCmd.FullCommand():
		err = printQueue(client.SetAutoReplenish(ctx, *autoValue == "on"))
	case queueCmd.FullCommand():
		err = printQueue(client.Queue(ctx))
	case enqueueCmd.FullCommand():
		err = printQueue(client.Enqueue(ctx, *enqueueIDs...))
	case insertNextCmd.FullCommand():
		err = printQueue(client.InsertNext(ctx, *insertNextID))
	case removeCmd.FullCommand():
		err = printQueue(client.Remove(ctx, *removeIndex))
	case moveCmd.FullCommand():
		err = printQueue(client.Move(ctx, *moveFrom, *moveTo))
	case jumpCmd.FullCommand():
		err = printPlayer(client.PlayIndex(ctx, *jumpIndex))
	case randomCmd.FullCommand():
		err = random(ctx, client, *randomCount)
	case downloadCmd.FullCommand():
		err = download(ctx, client, *downloadID)
	case cancelCmd.FullCommand():
		if err = client.CancelDownload(ctx, *cancelID); err == nil {
			fmt.Printf("Download cancelled: %s\n", *cancelID)
		}
	case deleteCmd.FullCommand():
		if err = client.DeleteDownload(ctx, *deleteID); err == nil {
			fmt.Printf("Download deleted: %s\n", *deleteID)
		}
	case downloadsCmd.FullCommand():
		err = downloads(ctx, client)
	case watchCmd.FullCommand():
		// the stream outlives the request timeout
		cancel()
		err = watch(client)
	}

	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func status(ctx context.Context, client *apiconnect.Client) error {
	s, err := client.Status(ctx)
	if err != nil {
		return err
	}

	fmt.Println("\n=== PLAYER STATUS ===")
	if !s.CatalogConfigured {
		fmt.Println("Catalog: not configured (downloaded tracks only)")
	}
	printStatus(s.Playback)
	fmt.Printf("\nQueue: %d tracks, mode=%s, auto-replenish=%v\n", len(s.Queue.Tracks), s.Queue.Mode, s.Queue.AutoReplenish)
	if len(s.Transfers) > 0 {
		fmt.Println("\nDownloading:")
		for _, t := range s.Transfers {
			fmt.Printf("  %-20s %5.1f%%  %s\n", t.Track.ID, t.Progress*100, t.Track.DisplayName())
		}
	}
	fmt.Println()
	return nil
}

func printStatus(s playback.Status) {
	fmt.Printf("State: %s\n", formatState(s.State))
	if s.Track == nil {
		fmt.Println("No track currently playing")
		return
	}
	fmt.Println("\nCurrently Playing:")
	fmt.Printf("  Track ID: %s\n", s.Track.ID)
	fmt.Printf("  Title: %s\n", s.Track.Title)
	if s.Track.Artist != "" {
		fmt.Printf("  Artist: %s\n", s.Track.Artist)
	}
	if s.Track.Album != "" {
		fmt.Printf("  Album: %s\n", s.Track.Album)
	}
	fmt.Printf("  Position: %s / %s\n", formatDuration(s.Position), formatDuration(s.Duration))
	if s.Err != "" {
		fmt.Printf("  Last error: %s\n", s.Err)
	}
}

func printPlayer(resp *apiconnect.PlayerResponse, err error) error {
	if err != nil {
		return err
	}
	printStatus(resp.Status)
	return nil
}

func printQueue(resp *apiconnect.QueueResponse, err error) error {
	if err != nil {
		return err
	}
	q := resp.Queue
	fmt.Printf("\n=== QUEUE (mode=%s, auto-replenish=%v) ===\n", q.Mode, q.AutoReplenish)
	if len(q.Tracks) == 0 {
		fmt.Println("Queue is empty")
		return nil
	}
	for i, t := range q.Tracks {
		marker := "  "
		if i == q.Index {
			marker = "▶ "
		}
		fmt.Printf("%s%3d  %-20s %s\n", marker, i, t.ID, t.DisplayName())
	}
	if q.Replenishing {
		fmt.Println("  (replenishing...)")
	}
	return nil
}

func mode(ctx context.Context, client *apiconnect.Client, value string) error {
	var m queue.Mode
	var err error
	if value == "" {
		m, err = client.CycleMode(ctx)
	} else {
		m, err = client.SetMode(ctx, value)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Queue mode: %s\n", m)
	return nil
}

func random(ctx context.Context, client *apiconnect.Client, count int) error {
	resp, err := client.PlayRandom(ctx, count)
	if err != nil {
		return err
	}
	fmt.Printf("Random playback started with %s\n", resp.Track.DisplayName())
	return nil
}

func download(ctx context.Context, client *apiconnect.Client, id string) error {
	started, err := client.StartDownload(ctx, id)
	if err != nil {
		return err
	}
	if started {
		fmt.Printf("Download started: %s\n", id)
	} else {
		fmt.Printf("Already downloading: %s\n", id)
	}
	return nil
}

func downloads(ctx context.Context, client *apiconnect.Client) error {
	resp, err := client.ListDownloads(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("\n=== DOWNLOADS (%d) ===\n", len(resp.Downloads))
	for _, a := range resp.Downloads {
		fmt.Printf("  %-20s %8s  %s  %s\n", a.ID(), formatSize(a.Size), a.DownloadedAt.Local().Format(time.DateTime), a.Track.DisplayName())
	}
	if len(resp.Active) > 0 {
		fmt.Printf("\nIn progress (%d):\n", len(resp.Active))
		for _, t := range resp.Active {
			fmt.Printf("  %-20s %5.1f%%  %s\n", t.Track.ID, t.Progress*100, t.Track.DisplayName())
		}
	}
	fmt.Println()
	return nil
}

func watch(client *apiconnect.Client) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Watching player events. Press Ctrl+C to exit.")
	return client.Subscribe(ctx, func(ev orchestrator.Event) error {
		printEvent(ev)
		return nil
	})
}

func printEvent(ev orchestrator.Event) {
	ts := ev.Time.Local().Format(time.TimeOnly)
	switch ev.Kind {
	case orchestrator.KindPlayback:
		// progress ticks arrive every poll interval
		if ev.Type == "progress" {
			return
		}
		fmt.Printf("[%s] playback %s", ts, ev.Type)
		if ev.Playback != nil {
			fmt.Printf(" state=%s", ev.Playback.State)
			if ev.Playback.Track != nil {
				fmt.Printf(" track=%q", ev.Playback.Track.DisplayName())
			}
		}
	case orchestrator.KindQueue:
		fmt.Printf("[%s] queue %s", ts, ev.Type)
		if ev.Queue != nil {
			fmt.Printf(" tracks=%d index=%d mode=%s", len(ev.Queue.Tracks), ev.Queue.Index, ev.Queue.Mode)
		}
		if ev.Added > 0 {
			fmt.Printf(" added=%d", ev.Added)
		}
	case orchestrator.KindTransfer:
		fmt.Printf("[%s] transfer %s", ts, ev.Type)
		if ev.Transfer != nil {
			fmt.Printf(" id=%s", ev.Transfer.TrackID)
			if ev.Type == "progress" {
				fmt.Printf(" %.1f%%", ev.Transfer.Progress*100)
			}
		}
	default:
		fmt.Printf("[%s] %s %s", ts, ev.Kind, ev.Type)
	}
	if ev.Error != "" {
		fmt.Printf(" error=%q", ev.Error)
	}
	fmt.Println()
}

func formatState(s playback.State) string {
	switch s {
	case playback.StatePlaying:
		return "▶️  Playing"
	case playback.StatePaused:
		return "⏸  Paused"
	case playback.StateLoading:
		return "⏳ Loading"
	case playback.StateEnded:
		return "⏭  Ended"
	default:
		return "⏹  Idle"
	}
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "--:--"
	}
	d = d.Round(time.Second)
	return fmt.Sprintf("%d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}

func formatSize(n int64) string {
	const mb = 1 << 20
	if n >= mb {
		return fmt.Sprintf("%.1fMB", float64(n)/mb)
	}
	return fmt.Sprintf("%dKB", n>>10)
}
