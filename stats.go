package hmap

import (
	"fmt"
	"strings"
)

// MapStats is ChainMap and OpenMap statistics.
//
// Warning: map statistics are intented to be used for diagnostic
// purposes, not for production code. This means that breaking changes
// may be introduced into this struct even between minor releases.
type MapStats struct {
	// Capacity is the number of buckets (ChainMap) or slots (OpenMap).
	Capacity int
	// Size is the number of entries, counted by walking the table.
	Size int
	// Counter is the entry count the map maintains incrementally. It
	// always equals Size unless the map is corrupted.
	Counter int
	// MaxLoad is the growth threshold in percent.
	MaxLoad int
	// LoadPercent is Size*100/Capacity.
	LoadPercent int
	// EmptyBuckets is the number of buckets or slots holding nothing.
	EmptyBuckets int
	// MinEntries is the length of the shortest chain (ChainMap only).
	MinEntries int
	// MaxEntries is the length of the longest chain (ChainMap only).
	MaxEntries int
	// MaxProbeLen is the longest distance between an entry's ideal slot
	// and its actual slot (OpenMap only).
	MaxProbeLen int
	// TotalGrowths is the number of times the bucket array doubled.
	TotalGrowths uint32
	// TotalRehashes is the number of same-capacity rebuilds done to
	// remove an entry (OpenMap only). Each one costs O(Capacity).
	TotalRehashes uint32
	// Pool describes node storage.
	Pool PoolStats
}

// ToString returns string representation of map stats.
func (s *MapStats) ToString() string {
	var sb strings.Builder
	sb.WriteString("MapStats{\n")
	sb.WriteString(fmt.Sprintf("Capacity:      %d\n", s.Capacity))
	sb.WriteString(fmt.Sprintf("Size:          %d\n", s.Size))
	sb.WriteString(fmt.Sprintf("Counter:       %d\n", s.Counter))
	sb.WriteString(fmt.Sprintf("MaxLoad:       %d\n", s.MaxLoad))
	sb.WriteString(fmt.Sprintf("LoadPercent:   %d\n", s.LoadPercent))
	sb.WriteString(fmt.Sprintf("EmptyBuckets:  %d\n", s.EmptyBuckets))
	sb.WriteString(fmt.Sprintf("MinEntries:    %d\n", s.MinEntries))
	sb.WriteString(fmt.Sprintf("MaxEntries:    %d\n", s.MaxEntries))
	sb.WriteString(fmt.Sprintf("MaxProbeLen:   %d\n", s.MaxProbeLen))
	sb.WriteString(fmt.Sprintf("TotalGrowths:  %d\n", s.TotalGrowths))
	sb.WriteString(fmt.Sprintf("TotalRehashes: %d\n", s.TotalRehashes))
	sb.WriteString(fmt.Sprintf("Pool:          %+v\n", s.Pool))
	sb.WriteString("}\n")
	return sb.String()
}

func (s *MapStats) finish() {
	if s.Capacity > 0 {
		s.LoadPercent = s.Size * 100 / s.Capacity
	}
}
