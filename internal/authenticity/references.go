package authenticity

import (
	"math/bits"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/card-appraiser/internal/textnorm"
)

// ReferenceHashes resolves the known-genuine perceptual hashes of a card.
type ReferenceHashes interface {
	Lookup(cardName string) []uint64
}

// StaticReferences is an in-memory ReferenceHashes keyed by folded card name.
type StaticReferences struct {
	byName map[string][]uint64
}

// NewStaticReferences parses hex-encoded 64-bit hashes per card name.
func NewStaticReferences(raw map[string][]string) (*StaticReferences, error) {
	refs := &StaticReferences{byName: make(map[string][]uint64, len(raw))}
	for name, hashes := range raw {
		key := textnorm.Fold(name)
		if key == "" {
			continue
		}
		for _, h := range hashes {
			v, err := ParseHash(h)
			if err != nil {
				return nil, eris.Wrapf(err, "authenticity: reference hash for %q", name)
			}
			refs.byName[key] = append(refs.byName[key], v)
		}
	}
	return refs, nil
}

// Lookup returns the reference hashes for cardName, or nil.
func (s *StaticReferences) Lookup(cardName string) []uint64 {
	if s == nil {
		return nil
	}
	return s.byName[textnorm.Fold(cardName)]
}

// Len reports how many card names have references.
func (s *StaticReferences) Len() int {
	if s == nil {
		return 0
	}
	return len(s.byName)
}

// ParseHash decodes a 64-bit perceptual hash from hex, with or without 0x.
func ParseHash(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if s == "" || len(s) > 16 {
		return 0, eris.Errorf("authenticity: invalid perceptual hash %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "authenticity: invalid perceptual hash %q", s)
	}
	return v, nil
}

// VisualHashConfidence compares the submitted hash against the references
// for cardName. It is 1 - minHamming/64, or neutral when the name is
// unresolved, no references exist, or the submitted hash is unreadable.
func VisualHashConfidence(submitted string, refs ReferenceHashes, cardName string) float64 {
	if strings.TrimSpace(cardName) == "" || refs == nil {
		return NeutralSignal
	}
	candidates := refs.Lookup(cardName)
	if len(candidates) == 0 {
		return NeutralSignal
	}
	h, err := ParseHash(submitted)
	if err != nil {
		return NeutralSignal
	}
	best := 64
	for _, ref := range candidates {
		if d := bits.OnesCount64(h ^ ref); d < best {
			best = d
		}
	}
	return 1 - float64(best)/64
}
