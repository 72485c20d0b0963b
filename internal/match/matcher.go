// Package match scores query fingerprints against the stored catalog index
// with offset-consistency voting.
package match

import (
	"sort"

	"github.com/soundtrace/soundtrace/internal/model"
)

// DefaultMinVotes is the vote floor below which a best candidate is still
// reported as no-match.
const DefaultMinVotes = 5

// offsetBucketMs groups nearby offsets into one vote bucket to tolerate
// capture timing jitter.
const offsetBucketMs = 100

// Index is a read-only snapshot of the fingerprint index for one matching
// pass: hash -> catalog postings.
type Index interface {
	CouplesByHashes(hashes []uint32) (map[uint32][]model.Couple, error)
}

// Matcher performs offset-vote matching. Stateless and safe for concurrent
// use; the index snapshot is the only shared data and it is read-only.
type Matcher struct {
	minVotes int
}

// New returns a Matcher with the given vote floor (<=0 uses the default).
func New(minVotes int) *Matcher {
	if minVotes <= 0 {
		minVotes = DefaultMinVotes
	}
	return &Matcher{minVotes: minVotes}
}

// Match votes every query hash against the index and returns ranked
// candidates, best first. Confidence is votes over query hash count scaled to
// 0-100. An empty slice means no candidate reached the vote floor.
func (m *Matcher) Match(query map[uint32]uint32, index Index) ([]model.Match, error) {
	if len(query) == 0 {
		return nil, nil
	}

	hashes := make([]uint32, 0, len(query))
	for h := range query {
		hashes = append(hashes, h)
	}

	buckets, err := index.CouplesByHashes(hashes)
	if err != nil {
		return nil, err
	}

	// votes[trackID][offsetBucket] = count
	votes := make(map[string]map[int32]int)
	for hash, anchorMs := range query {
		for _, cou := range buckets[hash] {
			offset := (int32(cou.AnchorTimeMs) - int32(anchorMs)) / offsetBucketMs
			byOffset := votes[cou.TrackID]
			if byOffset == nil {
				byOffset = make(map[int32]int)
				votes[cou.TrackID] = byOffset
			}
			byOffset[offset]++
		}
	}

	matches := make([]model.Match, 0, len(votes))
	for trackID, offsets := range votes {
		bestOffset := int32(0)
		bestVotes := 0
		for off, cnt := range offsets {
			if cnt > bestVotes {
				bestVotes = cnt
				bestOffset = off
			}
		}
		if bestVotes < m.minVotes {
			continue
		}
		matches = append(matches, model.Match{
			TrackID:    trackID,
			OffsetMs:   bestOffset * offsetBucketMs,
			Votes:      bestVotes,
			Confidence: confidence(bestVotes, len(query)),
		})
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Votes > matches[j].Votes })
	return matches, nil
}

// Best returns the single strongest candidate, if any.
func (m *Matcher) Best(query map[uint32]uint32, index Index) (model.Match, bool, error) {
	matches, err := m.Match(query, index)
	if err != nil || len(matches) == 0 {
		return model.Match{}, false, err
	}
	return matches[0], true, nil
}

func confidence(votes, queryHashes int) float64 {
	if queryHashes == 0 {
		return 0
	}
	c := float64(votes) / float64(queryHashes) * 100.0
	if c > 100 {
		c = 100
	}
	if c < 0 {
		c = 0
	}
	return c
}
