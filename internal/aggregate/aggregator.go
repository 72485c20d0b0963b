// Package aggregate turns raw, possibly-noisy match events into validated
// play records. Every scanned match is marked processed exactly once, whether
// its group became a play or a failure log entry.
package aggregate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/soundtrace/soundtrace/internal/storage"
	"github.com/soundtrace/soundtrace/pkg/logger"
)

// Defaults. The gap window bounds how far apart matches of one play may sit;
// the minimums gate what counts as a real play instead of stray detections.
const (
	DefaultGapWindow       = 10 * time.Minute
	DefaultMinMatches      = 3
	DefaultMinPlayDuration = 30 * time.Second
	DefaultBatchSize       = 500

	// estimatedMatchSpacing reconstructs a duration from match count when
	// timestamps cluster too tightly to span the minimum. Confidence of such
	// plays is discounted because the duration is a guess.
	estimatedMatchSpacing      = 20 * time.Second
	estimateConfidenceDiscount = 0.8
)

// Store is the persistence slice the aggregator needs.
type Store interface {
	UnprocessedMatches(limit int) ([]storage.RawMatch, error)
	CommitPlay(play *storage.Play, matchIDs []uint) error
	CommitFailedPlay(log *storage.FailedPlayLog, matchIDs []uint) error
}

// Config tunes grouping and validation. Zero values take the defaults;
// AllowEstimated opts in to the duration-from-count degraded path.
type Config struct {
	GapWindow       time.Duration
	MinMatches      int
	MinPlayDuration time.Duration
	AllowEstimated  bool
	BatchSize       int
}

// Summary reports one aggregation run. Held counts matches deferred to a
// later batch because their airing may still be receiving matches.
type Summary struct {
	Scanned int
	Plays   int
	Failed  int
	Held    int
}

// Aggregator groups raw matches into plays.
type Aggregator struct {
	store Store
	cfg   Config
	log   *logger.Logger
}

// New builds an aggregator, filling config defaults for zero values.
func New(store Store, cfg Config, log *logger.Logger) *Aggregator {
	if cfg.GapWindow <= 0 {
		cfg.GapWindow = DefaultGapWindow
	}
	if cfg.MinMatches <= 0 {
		cfg.MinMatches = DefaultMinMatches
	}
	if cfg.MinPlayDuration <= 0 {
		cfg.MinPlayDuration = DefaultMinPlayDuration
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Aggregator{store: store, cfg: cfg, log: log}
}

// Run drains all unprocessed matches in bounded batches. Each batch's writes
// commit before the next batch starts, so a cancelled run loses nothing.
func (a *Aggregator) Run(ctx context.Context) (Summary, error) {
	var total Summary
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		batch, err := a.RunBatch()
		total.Scanned += batch.Scanned
		total.Plays += batch.Plays
		total.Failed += batch.Failed
		total.Held = batch.Held
		if err != nil {
			return total, err
		}
		if batch.Scanned+batch.Held < a.cfg.BatchSize {
			return total, nil
		}
	}
}

// RunBatch processes one fetch of unprocessed matches. A full fetch may end
// mid-airing, so groups whose gap window reaches past the newest fetched
// match are held back: their rows stay unprocessed and the next batch sees
// them again together with the rest of the airing. When every group in a
// full fetch is still open, the fetch widens until at least one closes or
// the backlog runs out.
func (a *Aggregator) RunBatch() (Summary, error) {
	var sum Summary

	limit := a.cfg.BatchSize
	for {
		matches, err := a.store.UnprocessedMatches(limit)
		if err != nil {
			return sum, fmt.Errorf("loading unprocessed matches: %w", err)
		}
		if len(matches) == 0 {
			return sum, nil
		}

		full := len(matches) == limit
		var batchEnd time.Time
		for _, m := range matches {
			if m.MatchedAt.After(batchEnd) {
				batchEnd = m.MatchedAt
			}
		}

		held := 0
		for _, group := range a.groupMatches(matches) {
			if full && batchEnd.Sub(group[0].MatchedAt) <= a.cfg.GapWindow {
				held += len(group)
				continue
			}
			if err := a.commitGroup(group, &sum); err != nil {
				return sum, err
			}
		}
		if full && sum.Plays+sum.Failed == 0 {
			limit += a.cfg.BatchSize
			continue
		}

		sum.Scanned = len(matches) - held
		sum.Held = held
		a.log.Infof("aggregated %d matches into %d plays (%d failed groups, %d held)",
			sum.Scanned, sum.Plays, sum.Failed, held)
		return sum, nil
	}
}

// groupMatches splits the batch by (track, station), sorts each stream by
// match time, and cuts a new group whenever a match falls outside the gap
// window measured from the group's first member.
func (a *Aggregator) groupMatches(matches []storage.RawMatch) [][]storage.RawMatch {
	type key struct{ track, station string }
	streams := make(map[key][]storage.RawMatch)
	order := make([]key, 0)
	for _, m := range matches {
		k := key{m.TrackID, m.StationID}
		if _, ok := streams[k]; !ok {
			order = append(order, k)
		}
		streams[k] = append(streams[k], m)
	}

	var groups [][]storage.RawMatch
	for _, k := range order {
		stream := streams[k]
		sort.Slice(stream, func(i, j int) bool {
			return stream[i].MatchedAt.Before(stream[j].MatchedAt)
		})

		start := 0
		for i := 1; i <= len(stream); i++ {
			if i == len(stream) || stream[i].MatchedAt.Sub(stream[start].MatchedAt) > a.cfg.GapWindow {
				groups = append(groups, stream[start:i])
				start = i
			}
		}
	}
	return groups
}

// commitGroup validates one group and persists either a play or a failure
// log, marking every member processed either way.
func (a *Aggregator) commitGroup(group []storage.RawMatch, sum *Summary) error {
	ids := make([]uint, len(group))
	var confSum float64
	for i, m := range group {
		ids[i] = m.ID
		confSum += m.Confidence
	}
	avgConf := confSum / float64(len(group))
	first, last := group[0], group[len(group)-1]
	span := last.MatchedAt.Sub(first.MatchedAt)

	if len(group) < a.cfg.MinMatches {
		return a.fail(group, ids, fmt.Sprintf("too few matches: %d < %d", len(group), a.cfg.MinMatches), true, sum)
	}

	duration := span
	estimated := false
	if span < a.cfg.MinPlayDuration {
		est := time.Duration(len(group)) * estimatedMatchSpacing
		if !a.cfg.AllowEstimated || est < a.cfg.MinPlayDuration {
			return a.fail(group, ids,
				fmt.Sprintf("play too short: %s < %s", span, a.cfg.MinPlayDuration), false, sum)
		}
		duration = est
		estimated = true
		avgConf *= estimateConfidenceDiscount
	}

	play := &storage.Play{
		TrackID:           first.TrackID,
		StationID:         first.StationID,
		StartTime:         first.MatchedAt,
		StopTime:          first.MatchedAt.Add(duration),
		DurationS:         duration.Seconds(),
		DurationEstimated: estimated,
		AvgConfidence:     avgConf,
		MatchCount:        len(group),
	}
	if err := a.store.CommitPlay(play, ids); err != nil {
		return fmt.Errorf("committing play for track %s: %w", first.TrackID, err)
	}
	sum.Plays++
	return nil
}

func (a *Aggregator) fail(group []storage.RawMatch, ids []uint, reason string, canRetry bool, sum *Summary) error {
	entry := &storage.FailedPlayLog{
		TrackID:    group[0].TrackID,
		StationID:  group[0].StationID,
		MatchCount: len(group),
		Reason:     reason,
		CanRetry:   canRetry,
	}
	if err := a.store.CommitFailedPlay(entry, ids); err != nil {
		return fmt.Errorf("recording failed group for track %s: %w", group[0].TrackID, err)
	}
	sum.Failed++
	a.log.Debugf("group (%s, %s) failed validation: %s", group[0].TrackID, group[0].StationID, reason)
	return nil
}
