// Package pro resolves performing-rights-organization affiliations for
// identified tracks. Resolution is deterministic: the same input always
// yields the same affiliation list, and no track ever ends up with zero
// affiliations.
package pro

import (
	"sort"
	"strings"
)

// Affiliation links a track to one rights organization with a share.
type Affiliation struct {
	PROCode         string
	PROName         string
	Territory       string
	Publisher       string
	Writer          string
	Composer        string
	SharePercentage float64
	WorkID          string
}

// PublisherInfo is a publisher credit from resolved metadata.
type PublisherInfo struct {
	Name      string
	Territory string
}

// WriterInfo is a writer or composer credit from resolved metadata.
type WriterInfo struct {
	Name        string
	Role        string // "writer" or "composer"
	Affiliation string // PRO code when the metadata source knows it
}

// Rights is the mapper's input: everything the identification path learned
// about a recording's rights situation.
type Rights struct {
	ISRC       string
	ISWC       string
	WorkID     string
	RightsPRO  string // explicit affiliation, highest priority
	Territory  string
	Label      string
	Publishers []PublisherInfo
	Writers    []WriterInfo
}

// Source shares: how much weight each resolution source contributes before
// the dedupe merge. Explicit and territory resolutions are authoritative;
// pattern and credit matches are partial signals.
const (
	explicitShare  = 100.0
	territoryShare = 100.0
	publisherShare = 50.0
	writerShare    = 25.0
	labelShare     = 100.0
	maxShare       = 100.0
)

// Mapper resolves affiliations against the static registry. Stateless.
type Mapper struct {
	defaultCode string
}

// NewMapper builds a mapper with the given fallback PRO code (empty uses
// DefaultPROCode).
func NewMapper(defaultCode string) *Mapper {
	if defaultCode == "" {
		defaultCode = DefaultPROCode
	}
	return &Mapper{defaultCode: defaultCode}
}

// Resolve maps rights metadata to affiliations, trying sources in priority
// order: explicit rights info, territory, publisher patterns, writer
// credits, label heuristics. Results are deduplicated by (code, territory)
// with shares summed and capped; missing fields are backfilled by later
// sources. Never returns an empty list.
func (m *Mapper) Resolve(r Rights) []Affiliation {
	var candidates []Affiliation

	// 1. Explicit rights info.
	if org, ok := Lookup(r.RightsPRO); ok {
		candidates = append(candidates, Affiliation{
			PROCode: org.Code, PROName: org.Name, Territory: org.Territory,
			SharePercentage: explicitShare, WorkID: r.WorkID,
		})
	}

	// 2. Territory.
	if org, ok := ForTerritory(r.Territory); ok {
		candidates = append(candidates, Affiliation{
			PROCode: org.Code, PROName: org.Name, Territory: org.Territory,
			SharePercentage: territoryShare, WorkID: r.WorkID,
		})
	}

	// 3. Publisher name patterns.
	for _, pub := range r.Publishers {
		if org, ok := ForPublisher(pub.Name); ok {
			territory := org.Territory
			if pub.Territory != "" {
				territory = strings.ToUpper(pub.Territory)
			}
			candidates = append(candidates, Affiliation{
				PROCode: org.Code, PROName: org.Name, Territory: territory,
				Publisher: pub.Name, SharePercentage: publisherShare, WorkID: r.WorkID,
			})
		}
	}

	// 4. Writer and composer affiliations.
	for _, w := range r.Writers {
		if org, ok := Lookup(w.Affiliation); ok {
			aff := Affiliation{
				PROCode: org.Code, PROName: org.Name, Territory: org.Territory,
				SharePercentage: writerShare, WorkID: r.WorkID,
			}
			if w.Role == "composer" {
				aff.Composer = w.Name
			} else {
				aff.Writer = w.Name
			}
			candidates = append(candidates, aff)
		}
	}

	// 5. Label-to-territory heuristics.
	if territory, ok := TerritoryForLabel(r.Label); ok {
		if org, ok := ForTerritory(territory); ok {
			candidates = append(candidates, Affiliation{
				PROCode: org.Code, PROName: org.Name, Territory: territory,
				SharePercentage: labelShare, WorkID: r.WorkID,
			})
		}
	}

	merged := mergeAffiliations(candidates)
	if len(merged) == 0 {
		return []Affiliation{m.defaultAffiliation(r)}
	}
	return merged
}

// defaultAffiliation is the guaranteed 100%-share local fallback.
func (m *Mapper) defaultAffiliation(r Rights) Affiliation {
	org, ok := Lookup(m.defaultCode)
	if !ok {
		org = registry[DefaultPROCode]
	}
	return Affiliation{
		PROCode: org.Code, PROName: org.Name, Territory: org.Territory,
		SharePercentage: maxShare, WorkID: r.WorkID,
	}
}

// mergeAffiliations dedupes by (code, territory), sums shares capped at
// maxShare, and backfills publisher/writer/composer/work-id fields from later
// entries. Output ordering is deterministic: share descending, then code,
// then territory.
func mergeAffiliations(candidates []Affiliation) []Affiliation {
	type key struct{ code, territory string }
	merged := make(map[key]*Affiliation)
	order := make([]key, 0, len(candidates))

	for _, cand := range candidates {
		k := key{cand.PROCode, cand.Territory}
		existing, ok := merged[k]
		if !ok {
			c := cand
			merged[k] = &c
			order = append(order, k)
			continue
		}
		existing.SharePercentage += cand.SharePercentage
		if existing.SharePercentage > maxShare {
			existing.SharePercentage = maxShare
		}
		if existing.Publisher == "" {
			existing.Publisher = cand.Publisher
		}
		if existing.Writer == "" {
			existing.Writer = cand.Writer
		}
		if existing.Composer == "" {
			existing.Composer = cand.Composer
		}
		if existing.WorkID == "" {
			existing.WorkID = cand.WorkID
		}
	}

	out := make([]Affiliation, 0, len(order))
	for _, k := range order {
		out = append(out, *merged[k])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SharePercentage != out[j].SharePercentage {
			return out[i].SharePercentage > out[j].SharePercentage
		}
		if out[i].PROCode != out[j].PROCode {
			return out[i].PROCode < out[j].PROCode
		}
		return out[i].Territory < out[j].Territory
	})
	return out
}
