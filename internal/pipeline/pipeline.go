// Package pipeline wires the full airplay monitoring flow: catalog ingest,
// station audio detection, match aggregation, and royalty settlement.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/soundtrace/soundtrace/internal/aggregate"
	"github.com/soundtrace/soundtrace/internal/audio"
	"github.com/soundtrace/soundtrace/internal/config"
	"github.com/soundtrace/soundtrace/internal/detect"
	"github.com/soundtrace/soundtrace/internal/fingerprint"
	"github.com/soundtrace/soundtrace/internal/identify"
	"github.com/soundtrace/soundtrace/internal/match"
	"github.com/soundtrace/soundtrace/internal/metrics"
	"github.com/soundtrace/soundtrace/internal/pro"
	"github.com/soundtrace/soundtrace/internal/royalty"
	"github.com/soundtrace/soundtrace/internal/storage"
	"github.com/soundtrace/soundtrace/pkg/logger"
)

// noiseFloor is the minimum confidence for persisting a raw match at all.
const noiseFloor = 0.1

// Service is the top-level orchestrator the CLI drives.
type Service struct {
	db         *storage.DBClient
	engine     *fingerprint.Engine
	detector   *detect.Service
	mapper     *pro.Mapper
	aggregator *aggregate.Aggregator
	royalty    *royalty.Engine
	metrics    *metrics.Manager
	log        *logger.Logger
}

// NewService builds the whole pipeline from configuration.
func NewService(cfg *config.Config, mets *metrics.Manager) (*Service, error) {
	log := logger.GetLogger()
	log.SetLevel(logger.ParseLevel(cfg.LogLevel))

	db, err := storage.NewDBClientWithPath(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	engine, err := fingerprint.NewEngine(cfg.Fingerprint.Profile)
	if err != nil {
		db.Close()
		return nil, err
	}

	var external detect.External
	if cfg.Detect.FallbackEnabled {
		limiter := identify.NewRateLimiter(
			cfg.Identify.RequestsPerMinute,
			int64(cfg.Identify.RequestsPerDay),
			time.Duration(cfg.Identify.MaxWaitS)*time.Second,
			db,
		)
		external = identify.New(identify.Config{
			BaseURL:      cfg.Identify.BaseURL,
			AccessKey:    cfg.Identify.AccessKey,
			AccessSecret: cfg.Identify.AccessSecret,
			MaxRetries:   cfg.Identify.MaxRetries,
			Limiter:      limiter,
			Log:          log,
		})
	}

	mapper := pro.NewMapper(cfg.Royalty.DefaultPROCode)
	detector := detect.NewService(engine, match.New(0), db, external, mapper, detect.Config{
		LocalThreshold:    cfg.Detect.LocalThreshold,
		ExternalThreshold: cfg.Detect.ExternalThreshold,
		FallbackEnabled:   cfg.Detect.FallbackEnabled,
	}, log)

	aggregator := aggregate.New(db, aggregate.Config{
		GapWindow:       time.Duration(cfg.Aggregate.SessionGapMin) * time.Minute,
		MinMatches:      cfg.Aggregate.MinMatches,
		MinPlayDuration: time.Duration(cfg.Aggregate.MinPlayDurS * float64(time.Second)),
		AllowEstimated:  cfg.Aggregate.AllowEstimated,
		BatchSize:       cfg.Aggregate.BatchSize,
	}, log)

	royaltyEngine := royalty.NewEngine(db, royalty.Config{
		RatePerSecond: cfg.Royalty.RatePerSecond,
		CapSeconds:    cfg.Royalty.TransferCapS,
	}, log)

	return &Service{
		db:         db,
		engine:     engine,
		detector:   detector,
		mapper:     mapper,
		aggregator: aggregator,
		royalty:    royaltyEngine,
		metrics:    mets,
		log:        log,
	}, nil
}

// DB exposes the storage client for read-only listing commands.
func (s *Service) DB() *storage.DBClient { return s.db }

// IngestTrack fingerprints a catalog recording and stores its index entries.
// Re-ingesting the same audio under the current algorithm version is a no-op.
func (s *Service) IngestTrack(ctx context.Context, wavPath, title, artist, isrc, label, territory string) (string, error) {
	s.log.Infof("Ingesting track: %s by %s", title, artist)

	clip, err := audio.ReadWAVFile(wavPath)
	if err != nil {
		return "", fmt.Errorf("reading audio: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	trackID, err := s.db.RegisterTrack(title, artist, isrc, label, territory, int(clip.Duration()*1000))
	if err != nil {
		return "", fmt.Errorf("registering track: %w", err)
	}

	contentHash := fingerprint.ContentHash(clip.Samples)
	if run, found, err := s.db.LatestFingerprintRun(trackID); err == nil && found &&
		run.AlgorithmVersion == fingerprint.AlgorithmVersion && run.AudioContentHash == contentHash {
		s.log.Infof("Track %s already fingerprinted with %s, skipping", trackID, run.AlgorithmVersion)
		return trackID, nil
	}

	fp, meta := s.engine.Fingerprint(clip, trackID)
	if len(fp) == 0 {
		s.db.DeleteTrackByID(trackID)
		return "", fmt.Errorf("no fingerprints extracted from %s", wavPath)
	}
	s.log.Infof("Generated %d unique hashes (%d peaks, quality %.2f)",
		meta.HashCount, meta.PeakCount, meta.QualityScore)

	if err := s.db.StoreFingerprints(fp); err != nil {
		s.db.DeleteTrackByID(trackID) // rollback
		return "", fmt.Errorf("storing fingerprints: %w", err)
	}

	run := &storage.FingerprintRun{
		TrackID:             trackID,
		AlgorithmVersion:    meta.AlgorithmVersion,
		Profile:             meta.Profile,
		ProcessingTimeMs:    meta.ProcessingTimeMs,
		AudioDurationS:      meta.AudioDurationS,
		SampleRate:          meta.SampleRate,
		PeakCount:           meta.PeakCount,
		HashCount:           meta.HashCount,
		QualityScore:        meta.QualityScore,
		ConfidenceThreshold: meta.ConfidenceThreshold,
		AudioContentHash:    meta.AudioContentHash,
	}
	if err := s.db.SaveFingerprintRun(run); err != nil {
		s.log.Warnf("Recording fingerprint run for %s failed: %v", trackID, err)
	}
	s.metrics.ObserveFingerprinted()
	return trackID, nil
}

// DetectClip identifies one captured clip from a station and persists the
// raw match and its resolved affiliations. Local candidates below the
// acceptance threshold but above the noise floor are persisted too, so
// aggregation sees the full airing.
func (s *Service) DetectClip(ctx context.Context, clip audio.Clip, stationID string, capturedAt time.Time) (detect.Result, error) {
	res := s.detector.Detect(ctx, clip)
	s.metrics.ObserveDetection(string(res.Source), res.Timing.FallbackUsed,
		res.Timing.LocalMs, res.Timing.ExternalMs)
	if res.Timing.RateLimited {
		s.metrics.ObserveRateLimited()
	}

	if !res.Matched() && (res.TrackID == "" || res.Confidence < noiseFloor) {
		return res, nil
	}

	trackID, affiliations, err := s.materialize(res)
	if err != nil {
		return res, err
	}

	// Sub-threshold candidates come from the local matcher even though the
	// detection itself was inconclusive.
	source := res.Source
	if source == detect.SourceNone {
		source = detect.SourceLocal
	}
	raw := &storage.RawMatch{
		TrackID:    trackID,
		StationID:  stationID,
		MatchedAt:  capturedAt.UTC(),
		Confidence: res.Confidence * 100,
		Source:     string(source),
	}
	if err := s.db.CreateRawMatch(raw); err != nil {
		return res, fmt.Errorf("persisting raw match: %w", err)
	}

	if len(affiliations) > 0 {
		records := make([]storage.PROAffiliationRecord, len(affiliations))
		for i, a := range affiliations {
			records[i] = storage.PROAffiliationRecord{
				TrackID:         trackID,
				PROCode:         a.PROCode,
				PROName:         a.PROName,
				Territory:       a.Territory,
				Publisher:       a.Publisher,
				Writer:          a.Writer,
				Composer:        a.Composer,
				SharePercentage: a.SharePercentage,
				WorkID:          a.WorkID,
			}
		}
		if err := s.db.SavePROAffiliations(trackID, records); err != nil {
			s.log.Warnf("Persisting affiliations for %s failed: %v", trackID, err)
		}
	}
	return res, nil
}

// DetectFromFile is DetectClip over a WAV capture on disk.
func (s *Service) DetectFromFile(ctx context.Context, wavPath, stationID string, capturedAt time.Time) (detect.Result, error) {
	clip, err := audio.ReadWAVFile(wavPath)
	if err != nil {
		return detect.Result{}, fmt.Errorf("reading capture: %w", err)
	}
	return s.DetectClip(ctx, clip, stationID, capturedAt)
}

// materialize resolves the catalog track behind a detection. External
// results register the identified track so downstream stages can reference
// it; local results and candidates enrich affiliations from the catalog
// record.
func (s *Service) materialize(res detect.Result) (string, []pro.Affiliation, error) {
	if res.TrackID != "" {
		track, found, err := s.db.GetTrackByID(res.TrackID)
		if err != nil {
			return "", nil, fmt.Errorf("loading matched track: %w", err)
		}
		if !found {
			return "", nil, fmt.Errorf("matched track %s missing from catalog", res.TrackID)
		}
		affs := s.mapper.Resolve(pro.Rights{
			ISRC:      track.ISRC,
			Territory: track.Territory,
			Label:     track.Label,
		})
		return track.ID, affs, nil
	}

	trackID, err := s.db.RegisterTrack(res.Title, res.Artist, res.ISRC, res.Label, "", int(res.Fingerprint.AudioDurationS*1000))
	if err != nil {
		return "", nil, fmt.Errorf("registering identified track: %w", err)
	}
	return trackID, res.Affiliations, nil
}

// Aggregate drains unprocessed matches into plays.
func (s *Service) Aggregate(ctx context.Context) (aggregate.Summary, error) {
	sum, err := s.aggregator.Run(ctx)
	s.metrics.ObserveAggregation(sum.Plays, sum.Failed)
	return sum, err
}

// Settle prices and settles unsettled plays.
func (s *Service) Settle() (royalty.Summary, error) {
	sum, err := s.royalty.Run()
	s.metrics.ObserveSettlements(sum.Paid, sum.Declined, sum.TotalPaid)
	return sum, err
}

// Close releases the database.
func (s *Service) Close() error { return s.db.Close() }
