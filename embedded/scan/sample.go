package scan

import (
	"math/rand"
)

// BernoulliSample wraps a TableScan, independently including each row with
// probability p. Decisions are
// made per row, so the sample rate is exact in expectation but each call
// to Next costs the same as the underlying scan regardless of selection.
type BernoulliSample struct {
	scan *TableScan
	p    float64
	rnd  *rand.Rand
}

// NewBernoulliSample seeds its own source from seed so repeated scans with
// the same seed reproduce the same sample, matching SQL's REPEATABLE
// clause.
func NewBernoulliSample(scan *TableScan, p float64, seed int64) *BernoulliSample {
	return &BernoulliSample{scan: scan, p: p, rnd: rand.New(rand.NewSource(seed))}
}

// Next returns the next sampled row.
func (s *BernoulliSample) Next() (Row, bool, error) {
	for {
		row, ok, err := s.scan.Next()
		if err != nil || !ok {
			return Row{}, false, err
		}
		if s.rnd.Float64() < s.p {
			return row, true, nil
		}
	}
}

// Close releases the underlying scan's resources.
func (s *BernoulliSample) Close() { s.scan.Close() }

// SystemSample wraps a TableScan, including every row of a block with
// probability p. The per-block
// decision is made once per distinct block encountered, approximating
// page-granularity sampling without the scan needing direct page access:
// it keys off each returned TID's block component (zstid.Block).
type SystemSample struct {
	scan    *TableScan
	p       float64
	rnd     *rand.Rand
	decided map[uint32]bool
	chosen  map[uint32]bool
}

// NewSystemSample seeds its own source from seed, same rationale as
// NewBernoulliSample.
func NewSystemSample(scan *TableScan, p float64, seed int64) *SystemSample {
	return &SystemSample{
		scan:    scan,
		p:       p,
		rnd:     rand.New(rand.NewSource(seed)),
		decided: make(map[uint32]bool),
		chosen:  make(map[uint32]bool),
	}
}

// Next returns the next row belonging to a sampled block.
func (s *SystemSample) Next() (Row, bool, error) {
	for {
		row, ok, err := s.scan.Next()
		if err != nil || !ok {
			return Row{}, false, err
		}
		block := row.Tid.Block()
		if !s.decided[block] {
			s.decided[block] = true
			s.chosen[block] = s.rnd.Float64() < s.p
		}
		if s.chosen[block] {
			return row, true, nil
		}
	}
}

// Close releases the underlying scan's resources.
func (s *SystemSample) Close() { s.scan.Close() }
