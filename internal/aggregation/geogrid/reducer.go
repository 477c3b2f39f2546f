package geogrid

import (
	"fmt"

	gerrors "github.com/arkilian/geogrid/internal/errors"
)

// SizePolicy decides how a reduction treats inputs that disagree on their
// required size.
type SizePolicy int

const (
	// SizePolicyFirst uses the first input's size without checking the
	// others. The size only bounds truncation, never the summed counts.
	SizePolicyFirst SizePolicy = iota
	// SizePolicyStrict rejects the reduction when sizes differ.
	SizePolicyStrict
)

// ParseSizePolicy converts "first" or "strict" to a SizePolicy.
func ParseSizePolicy(s string) (SizePolicy, error) {
	switch s {
	case "", "first":
		return SizePolicyFirst, nil
	case "strict":
		return SizePolicyStrict, nil
	default:
		return 0, fmt.Errorf("geogrid: unknown size policy %q", s)
	}
}

// Reducer merges partial grid results. The zero value uses SizePolicyFirst.
// A Reducer holds no state between calls and may be shared across
// goroutines.
type Reducer struct {
	sizePolicy SizePolicy
}

// Option configures a Reducer.
type Option func(*Reducer)

// WithSizePolicy sets the size policy.
func WithSizePolicy(p SizePolicy) Option {
	return func(r *Reducer) {
		r.sizePolicy = p
	}
}

// NewReducer creates a Reducer.
func NewReducer(opts ...Option) *Reducer {
	r := &Reducer{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var defaultReducer = &Reducer{}

// Reduce merges inputs with the default size policy.
func Reduce(inputs []*GridResult) (*GridResult, error) {
	return defaultReducer.Reduce(inputs)
}

// Reduce merges inputs into one new GridResult whose name, meta and
// required size come from inputs[0]. Bucket doc counts are summed per cell,
// sub-aggregations are reduced in input order, and the buckets are ranked
// and truncated to the required size. The output has the same shape as the
// inputs, so it can itself be reduced again at a higher level.
//
// Calling Reduce without inputs is a caller bug and returns a validation
// error; sub-aggregation failures are returned wrapped with the cell key.
func (r *Reducer) Reduce(inputs []*GridResult) (*GridResult, error) {
	return r.reduce(inputs, true)
}

// ReducePartial merges inputs like Reduce but keeps every merged bucket,
// ranked, instead of truncating to the required size. Intermediate levels
// of a reduction tree use it so that a cell cut at one level cannot lose
// counts that would have ranked it higher at the next; the final level
// calls Reduce. Grids nested under the buckets are kept whole as well.
func (r *Reducer) ReducePartial(inputs []*GridResult) (*GridResult, error) {
	return r.reduce(inputs, false)
}

func (r *Reducer) reduce(inputs []*GridResult, final bool) (*GridResult, error) {
	if len(inputs) == 0 {
		return nil, gerrors.NewValidationError(gerrors.CodeEmptyReduceInput, "geogrid: reduce called without partial results")
	}
	for i, in := range inputs {
		if in == nil {
			return nil, gerrors.NewValidationError(
				gerrors.CodeNilReduceInput,
				fmt.Sprintf("geogrid: partial result %d is nil", i),
			)
		}
	}

	first := inputs[0]
	size := first.requiredSize
	if r.sizePolicy == SizePolicyStrict {
		if err := checkUniformSize(inputs); err != nil {
			return nil, err
		}
	}

	candidates, err := mergeBuckets(inputs, final)
	if err != nil {
		return nil, err
	}

	limit := size
	if !final {
		limit = len(candidates)
	}

	return &GridResult{
		name:         first.name,
		requiredSize: size,
		buckets:      selectTop(candidates, limit),
		meta:         first.meta,
	}, nil
}

func checkUniformSize(inputs []*GridResult) error {
	want := inputs[0].requiredSize
	for i, in := range inputs[1:] {
		if in.requiredSize != want {
			return gerrors.NewValidationError(
				gerrors.CodeInconsistentSize,
				fmt.Sprintf("geogrid: partial result %d has size %d, expected %d", i+1, in.requiredSize, want),
			).WithDetails(map[string]interface{}{
				"aggregation": inputs[0].name,
				"expected":    want,
				"got":         in.requiredSize,
			})
		}
	}
	return nil
}
