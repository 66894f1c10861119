package models

import (
	"encoding/json"
	"strings"
)

// EvidenceSet is the set of anchor networks a protection request requires.
type EvidenceSet uint8

const (
	EvidencePolygon EvidenceSet = 1 << iota
	EvidenceBitcoin
)

// EvidenceFor maps a network onto its bit in the set.
func EvidenceFor(n Network) EvidenceSet {
	switch n {
	case NetworkPolygon:
		return EvidencePolygon
	case NetworkBitcoin:
		return EvidenceBitcoin
	}
	return 0
}

// NewEvidenceSet builds a set from networks.
func NewEvidenceSet(networks ...Network) EvidenceSet {
	var s EvidenceSet
	for _, n := range networks {
		s |= EvidenceFor(n)
	}
	return s
}

func (s EvidenceSet) Has(n Network) bool { return s&EvidenceFor(n) != 0 }

func (s EvidenceSet) With(n Network) EvidenceSet { return s | EvidenceFor(n) }

func (s EvidenceSet) Without(n Network) EvidenceSet { return s &^ EvidenceFor(n) }

// Contains reports whether every network of other is also in s.
func (s EvidenceSet) Contains(other EvidenceSet) bool { return s&other == other }

func (s EvidenceSet) Empty() bool { return s == 0 }

// Networks returns members in canonical order.
func (s EvidenceSet) Networks() []Network {
	out := make([]Network, 0, len(Networks))
	for _, n := range Networks {
		if s.Has(n) {
			out = append(out, n)
		}
	}
	return out
}

func (s EvidenceSet) String() string {
	parts := make([]string, 0, len(Networks))
	for _, n := range s.Networks() {
		parts = append(parts, string(n))
	}
	return strings.Join(parts, ",")
}

func (s EvidenceSet) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, len(Networks))
	for _, n := range s.Networks() {
		names = append(names, string(n))
	}
	return json.Marshal(names)
}
