// Package detect orchestrates track identification: a local fingerprint
// match first, then the external provider when the local result is not
// confident enough. One call produces one canonical Result regardless of
// which stage resolved it.
package detect

import (
	"context"
	"errors"
	"time"

	"github.com/soundtrace/soundtrace/internal/audio"
	"github.com/soundtrace/soundtrace/internal/fingerprint"
	"github.com/soundtrace/soundtrace/internal/identify"
	"github.com/soundtrace/soundtrace/internal/match"
	"github.com/soundtrace/soundtrace/internal/pro"
	"github.com/soundtrace/soundtrace/pkg/logger"
)

// Source names which stage produced an accepted identification.
type Source string

const (
	SourceLocal    Source = "local"
	SourceExternal Source = "external"
	SourceNone     Source = "none"
)

// Default acceptance thresholds. The external one is slightly more lenient
// because the provider's score is itself authoritative.
const (
	DefaultLocalThreshold    = 0.8
	DefaultExternalThreshold = 0.7

	// rateLimitRetryCeiling bounds how long the service will sleep on a
	// minute-window rate-limit rejection before one extra attempt.
	rateLimitRetryCeiling = 5 * time.Second
)

// External is the slice of the identification client the service needs.
type External interface {
	Identify(ctx context.Context, sample []byte, contentHash string) (*identify.Identification, error)
	MetadataByISRC(ctx context.Context, isrc string) (*identify.WorkMetadata, error)
}

// Config tunes the detection state machine.
type Config struct {
	LocalThreshold    float64 // [0,1]
	ExternalThreshold float64 // [0,1]
	FallbackEnabled   bool
}

// Timing is per-call observability metadata, recorded on every Result.
type Timing struct {
	LocalMs       int64
	ExternalMs    int64
	FallbackUsed  bool
	RateLimited   bool
	RetryCount    int
	LocalError    string
	ExternalError string
}

// Result is the canonical detection outcome. Source is SourceNone when
// neither stage produced an acceptable identification; Failed marks results
// where an internal error (not a low-confidence outcome) ended the attempt.
// An unaccepted result still carries the best local candidate's TrackID and
// Confidence when the matcher found one below threshold.
type Result struct {
	Source     Source
	TrackID    string  // set for local results and candidates
	Title      string  // set for external results
	Artist     string
	Album      string
	ISRC       string
	ISWC       string
	Label      string
	ACRID      string
	Confidence float64 // [0,1]

	Affiliations []pro.Affiliation
	Fingerprint  fingerprint.Metadata
	Timing       Timing
	Failed       bool
}

// Matched reports whether the result carries an accepted identification.
func (r Result) Matched() bool { return r.Source == SourceLocal || r.Source == SourceExternal }

// Service runs the hybrid flow. All collaborators are injected; the service
// itself holds no mutable state and is safe for concurrent use.
type Service struct {
	engine   *fingerprint.Engine
	matcher  *match.Matcher
	index    match.Index
	external External
	mapper   *pro.Mapper
	cfg      Config
	log      *logger.Logger

	sleep func(context.Context, time.Duration) error
}

// NewService wires the detection pipeline. external may be nil when fallback
// is disabled.
func NewService(engine *fingerprint.Engine, matcher *match.Matcher, index match.Index, external External, mapper *pro.Mapper, cfg Config, log *logger.Logger) *Service {
	if cfg.LocalThreshold <= 0 {
		cfg.LocalThreshold = DefaultLocalThreshold
	}
	if cfg.ExternalThreshold <= 0 {
		cfg.ExternalThreshold = DefaultExternalThreshold
	}
	if external == nil {
		cfg.FallbackEnabled = false
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Service{
		engine:   engine,
		matcher:  matcher,
		index:    index,
		external: external,
		mapper:   mapper,
		cfg:      cfg,
		log:      log,
		sleep:    sleepCtx,
	}
}

// Detect identifies one audio clip. Errors inside either stage are folded
// into that stage's inconclusive outcome; the caller always gets a Result.
func (s *Service) Detect(ctx context.Context, clip audio.Clip) Result {
	var res Result

	local, meta, ok := s.attemptLocal(clip, &res.Timing)
	res.Fingerprint = meta
	if ok {
		res.Source = SourceLocal
		res.TrackID = local.TrackID
		res.Confidence = local.Confidence / 100.0
		return res
	}

	if !s.cfg.FallbackEnabled {
		res.Source = SourceNone
		res.TrackID = local.TrackID
		res.Confidence = local.Confidence / 100.0
		res.Failed = res.Timing.LocalError != ""
		return res
	}

	res.Timing.FallbackUsed = true
	ident, ok := s.attemptExternal(ctx, clip, meta.AudioContentHash, &res.Timing)
	if !ok {
		res.Source = SourceNone
		res.TrackID = local.TrackID
		res.Confidence = local.Confidence / 100.0
		res.Failed = res.Timing.ExternalError != ""
		return res
	}

	res.Source = SourceExternal
	res.Title = ident.Title
	res.Artist = ident.Artist
	res.Album = ident.Album
	res.ISRC = ident.ISRC
	res.ISWC = ident.ISWC
	res.Label = ident.Label
	res.ACRID = ident.ACRID
	res.Confidence = ident.Confidence
	res.Affiliations = s.resolveAffiliations(ctx, ident)
	return res
}

// attemptLocal fingerprints the clip and runs the offset-vote matcher. The
// clip's quality-derived threshold tightens the configured one on poor audio
// but never relaxes it.
func (s *Service) attemptLocal(clip audio.Clip, timing *Timing) (bm bestMatch, meta fingerprint.Metadata, ok bool) {
	start := time.Now()
	defer func() { timing.LocalMs = time.Since(start).Milliseconds() }()

	query, meta := s.engine.QueryFingerprint(clip)
	if len(query) == 0 {
		return bestMatch{}, meta, false
	}

	best, found, err := s.matcher.Best(query, s.index)
	if err != nil {
		timing.LocalError = err.Error()
		s.log.Warnf("local match failed: %v", err)
		return bestMatch{}, meta, false
	}
	if !found {
		return bestMatch{}, meta, false
	}

	threshold := s.cfg.LocalThreshold
	if meta.ConfidenceThreshold > threshold {
		threshold = meta.ConfidenceThreshold
	}
	if best.Confidence/100.0 < threshold {
		s.log.Debugf("local candidate %s below threshold: %.2f < %.2f",
			best.TrackID, best.Confidence/100.0, threshold)
		return bestMatch{TrackID: best.TrackID, Confidence: best.Confidence}, meta, false
	}
	return bestMatch{TrackID: best.TrackID, Confidence: best.Confidence}, meta, true
}

type bestMatch struct {
	TrackID    string
	Confidence float64 // 0-100
}

// attemptExternal submits the clip to the provider, with one extra attempt
// when the rate limiter rejected with a short retry-after hint.
func (s *Service) attemptExternal(ctx context.Context, clip audio.Clip, contentHash string, timing *Timing) (*identify.Identification, bool) {
	start := time.Now()
	defer func() { timing.ExternalMs = time.Since(start).Milliseconds() }()

	sample := audio.EncodePCM16(clip.Samples)
	for {
		ident, err := s.external.Identify(ctx, sample, contentHash)
		if err == nil {
			if ident.Confidence < s.cfg.ExternalThreshold {
				s.log.Debugf("external result below threshold: %.2f < %.2f",
					ident.Confidence, s.cfg.ExternalThreshold)
				return nil, false
			}
			return ident, true
		}
		if errors.Is(err, identify.ErrNoResult) {
			return nil, false
		}

		var rle *identify.RateLimitError
		if errors.As(err, &rle) {
			timing.RateLimited = true
			if rle.Scope == "minute" && rle.RetryAfter <= rateLimitRetryCeiling && timing.RetryCount == 0 {
				timing.RetryCount++
				if s.sleep(ctx, rle.RetryAfter) == nil {
					continue
				}
			}
		}

		timing.ExternalError = err.Error()
		s.log.Warnf("external identification failed: %v", err)
		return nil, false
	}
}

// resolveAffiliations turns an identification into a PRO affiliation list,
// enriching with the metadata endpoint when an ISRC is present. Metadata
// lookup failures degrade to identification-only resolution; the mapper's
// default guarantees a non-empty list either way.
func (s *Service) resolveAffiliations(ctx context.Context, ident *identify.Identification) []pro.Affiliation {
	rights := pro.Rights{ISRC: ident.ISRC, ISWC: ident.ISWC, Label: ident.Label}

	if ident.ISRC != "" {
		work, err := s.external.MetadataByISRC(ctx, ident.ISRC)
		if err != nil || work == nil {
			s.log.Warnf("metadata lookup for %s failed: %v", ident.ISRC, err)
		} else {
			rights.ISWC = work.ISWC
			rights.WorkID = work.WorkID
			rights.RightsPRO = work.RightsPRO
			rights.Territory = work.Territory
			if work.Label != "" {
				rights.Label = work.Label
			}
			for _, p := range work.Publishers {
				rights.Publishers = append(rights.Publishers, pro.PublisherInfo{Name: p.Name, Territory: p.Territory})
			}
			for _, w := range work.Writers {
				rights.Writers = append(rights.Writers, pro.WriterInfo{Name: w.Name, Role: w.Role, Affiliation: w.Affiliation})
			}
		}
	}

	return s.mapper.Resolve(rights)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
