package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/soundtrace/soundtrace/internal/config"
	"github.com/soundtrace/soundtrace/internal/metrics"
	"github.com/soundtrace/soundtrace/internal/pipeline"
	"github.com/soundtrace/soundtrace/pkg/logger"
)

func main() {
	log := logger.GetLogger()

	printBanner()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Configuration error: %v\n", err)
		os.Exit(1)
	}

	mets := metrics.NewManager()
	if cfg.MetricsAddr != "" {
		go func() {
			log.Infof("Serving metrics on %s", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mets.Handler()); err != nil {
				log.Errorf("Metrics listener failed: %v", err)
			}
		}()
	}

	svc, err := pipeline.NewService(cfg, mets)
	if err != nil {
		fmt.Printf("Failed to start: %v\n", err)
		os.Exit(1)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command := os.Args[1]
	log.Infof("Executing command: %s", command)

	switch command {
	case "ingest":
		handleIngest(ctx, svc)
	case "detect":
		handleDetect(ctx, svc)
	case "aggregate":
		handleAggregate(ctx, svc)
	case "settle":
		handleSettle(svc)
	case "tracks":
		handleTracks(svc)
	case "stations":
		handleStations(svc)
	case "add-station":
		handleAddStation(svc)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printBanner() {
	fmt.Println(`
 ___  ___  _   _ _ __   __| | |_ _ __ __ _  ___ ___
/ __|/ _ \| | | | '_ \ / _' | __| '__/ _' |/ __/ _ \
\__ \ (_) | |_| | | | | (_| | |_| | | (_| | (_|  __/
|___/\___/ \__,_|_| |_|\__,_|\__|_|  \__,_|\___\___|

        Radio Airplay Monitoring & Royalties`)
}

func printUsage() {
	fmt.Println(`Usage: soundtrace <command> [flags]

Commands:
  ingest       Fingerprint a catalog recording
                 -audio <wav> -title <t> -artist <a> [-isrc -label -territory]
  detect       Identify a station capture
                 -audio <wav> -station <id> [-at RFC3339]
  aggregate    Group raw matches into validated plays
  settle       Price and settle unsettled plays
  tracks       List catalog tracks
  stations     List stations
  add-station  Register a station: -name <n> [-territory <t>]

Configuration comes from SOUNDTRACE_CONFIG (YAML) and SOUNDTRACE_* env vars.`)
}

func handleIngest(ctx context.Context, svc *pipeline.Service) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	audioPath := fs.String("audio", "", "Path to a WAV recording (required)")
	title := fs.String("title", "", "Track title (required)")
	artist := fs.String("artist", "", "Artist name (required)")
	isrc := fs.String("isrc", "", "ISRC code")
	label := fs.String("label", "", "Record label")
	territory := fs.String("territory", "", "ISO country code")
	fs.Parse(os.Args[2:])

	if *audioPath == "" || *title == "" || *artist == "" {
		fmt.Println("ingest requires -audio, -title, and -artist")
		os.Exit(1)
	}

	trackID, err := svc.IngestTrack(ctx, *audioPath, *title, *artist, *isrc, *label, *territory)
	if err != nil {
		fmt.Printf("Ingest failed: %v\n", err)
		os.Exit(1)
	}
	count, _ := svc.DB().FingerprintCount(trackID)
	fmt.Printf("Ingested %q by %s (ID: %s, %s hashes)\n",
		*title, *artist, trackID, humanize.Comma(int64(count)))
}

func handleDetect(ctx context.Context, svc *pipeline.Service) {
	fs := flag.NewFlagSet("detect", flag.ExitOnError)
	audioPath := fs.String("audio", "", "Path to a WAV capture (required)")
	stationID := fs.String("station", "", "Station ID (required)")
	at := fs.String("at", "", "Capture time, RFC3339 (default now)")
	fs.Parse(os.Args[2:])

	if *audioPath == "" || *stationID == "" {
		fmt.Println("detect requires -audio and -station")
		os.Exit(1)
	}

	capturedAt := time.Now()
	if *at != "" {
		parsed, err := time.Parse(time.RFC3339, *at)
		if err != nil {
			fmt.Printf("Invalid -at value: %v\n", err)
			os.Exit(1)
		}
		capturedAt = parsed
	}

	res, err := svc.DetectFromFile(ctx, *audioPath, *stationID, capturedAt)
	if err != nil {
		fmt.Printf("Detection failed: %v\n", err)
		os.Exit(1)
	}

	if !res.Matched() {
		fmt.Println("No reliable identification")
		return
	}
	switch {
	case res.TrackID != "":
		fmt.Printf("Matched track %s via %s (confidence %.0f%%)\n",
			res.TrackID, res.Source, res.Confidence*100)
	default:
		fmt.Printf("Identified %q by %s via %s (confidence %.0f%%)\n",
			res.Title, res.Artist, res.Source, res.Confidence*100)
	}
	if res.Timing.FallbackUsed {
		fmt.Printf("  local %dms, external %dms\n", res.Timing.LocalMs, res.Timing.ExternalMs)
	}
}

func handleAggregate(ctx context.Context, svc *pipeline.Service) {
	sum, err := svc.Aggregate(ctx)
	if err != nil {
		fmt.Printf("Aggregation failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Scanned %s matches: %s plays, %s failed groups\n",
		humanize.Comma(int64(sum.Scanned)), humanize.Comma(int64(sum.Plays)),
		humanize.Comma(int64(sum.Failed)))
}

func handleSettle(svc *pipeline.Service) {
	sum, err := svc.Settle()
	if err != nil {
		fmt.Printf("Settlement failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Settled %s plays: %s paid (%.2f total), %s declined\n",
		humanize.Comma(int64(sum.Scanned)), humanize.Comma(int64(sum.Paid)),
		sum.TotalPaid, humanize.Comma(int64(sum.Declined)))
}

func handleTracks(svc *pipeline.Service) {
	tracks, err := svc.DB().ListTracks()
	if err != nil {
		fmt.Printf("Failed to list tracks: %v\n", err)
		os.Exit(1)
	}
	if len(tracks) == 0 {
		fmt.Println("No tracks in catalog")
		return
	}
	fmt.Printf("Found %d track(s):\n\n", len(tracks))
	for i, tr := range tracks {
		fmt.Printf("%d. %q by %s (ID: %s)\n", i+1, tr.Title, tr.Artist, tr.ID)
		if tr.ISRC != "" {
			fmt.Printf("   ISRC: %s\n", tr.ISRC)
		}
	}
}

func handleStations(svc *pipeline.Service) {
	stations, err := svc.DB().ListStations()
	if err != nil {
		fmt.Printf("Failed to list stations: %v\n", err)
		os.Exit(1)
	}
	if len(stations) == 0 {
		fmt.Println("No stations registered")
		return
	}
	fmt.Printf("Found %d station(s):\n\n", len(stations))
	for i, st := range stations {
		fmt.Printf("%d. %s (ID: %s, territory: %s)\n", i+1, st.Name, st.ID, st.Territory)
	}
}

func handleAddStation(svc *pipeline.Service) {
	fs := flag.NewFlagSet("add-station", flag.ExitOnError)
	name := fs.String("name", "", "Station name (required)")
	territory := fs.String("territory", "", "ISO country code")
	fs.Parse(os.Args[2:])

	if *name == "" {
		fmt.Println("add-station requires -name")
		os.Exit(1)
	}
	id, err := svc.DB().RegisterStation(*name, *territory)
	if err != nil {
		fmt.Printf("Failed to register station: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Registered station %s (ID: %s)\n", *name, id)
}
