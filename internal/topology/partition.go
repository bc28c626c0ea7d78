package topology

import (
	"fmt"

	"github.com/samcharles93/strata/internal/fault"
)

// Range is a half-open interval [Start, End).
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r Range) Len() int {
	return r.End - r.Start
}

func (r Range) Contains(i int) bool {
	return i >= r.Start && i < r.End
}

// IsZero reports the zero Range, used by callers as "whole dimension".
func (r Range) IsZero() bool {
	return r.Start == 0 && r.End == 0
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// Split divides total into parts contiguous blocks and returns block index.
// Uneven totals are rejected; truncating would silently drop parameters.
func Split(total, parts, index int) (Range, error) {
	if parts < 1 {
		return Range{}, fault.Configf("cannot split into %d parts", parts)
	}
	if index < 0 || index >= parts {
		return Range{}, fault.Configf("part %d outside [0,%d)", index, parts)
	}
	if total < 0 || total%parts != 0 {
		return Range{}, fault.Configf("%d is not divisible by %d", total, parts)
	}
	n := total / parts
	return Range{Start: index * n, End: (index + 1) * n}, nil
}

// SplitPadded is Split for totals that may be padded up to a multiple of
// parts. The returned range may extend past total; readers zero-fill it.
func SplitPadded(total, parts, index int) (Range, error) {
	if parts < 1 {
		return Range{}, fault.Configf("cannot split into %d parts", parts)
	}
	padded := (total + parts - 1) / parts * parts
	return Split(padded, parts, index)
}

// LayerRange returns the contiguous layers owned by pipelineRank.
func (p Plan) LayerRange(pipelineRank, numLayer int) (Range, error) {
	r, err := Split(numLayer, p.PipelineParallel, pipelineRank)
	if err != nil {
		return Range{}, fault.Configf("layers: %d layers over pipeline size %d: %w",
			numLayer, p.PipelineParallel, err)
	}
	return r, nil
}

// HeadRange returns the contiguous attention heads owned by tensorRank.
func (p Plan) HeadRange(tensorRank, headNum int) (Range, error) {
	r, err := Split(headNum, p.TensorParallel, tensorRank)
	if err != nil {
		return Range{}, fault.Configf("heads: %d heads over tensor size %d: %w",
			headNum, p.TensorParallel, err)
	}
	return r, nil
}
