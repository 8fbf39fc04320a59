package codec

import (
	"errors"
	"fmt"
)

// MaxArity bounds gate arity so a gate table (2^in rows x 2^out columns)
// stays addressable by a 32-bit device word.
const MaxArity = 8

var ErrInvalidOptions = errors.New("invalid codec options")

// Options bounds the arity a codon can decode to. Limits are exclusive unless
// limit == floor, in which case the arity is fixed at that value.
type Options struct {
	InputLimit       int  `json:"input_limit" yaml:"input_limit"`
	InputFloor       int  `json:"input_floor" yaml:"input_floor"`
	OutputLimit      int  `json:"output_limit" yaml:"output_limit"`
	OutputFloor      int  `json:"output_floor" yaml:"output_floor"`
	FeedbackLearning bool `json:"feedback_learning" yaml:"feedback_learning"`
}

func DefaultOptions() Options {
	return Options{
		InputLimit:  4,
		InputFloor:  1,
		OutputLimit: 4,
		OutputFloor: 1,
	}
}

func (o Options) Validate() error {
	if err := validateBounds("input", o.InputLimit, o.InputFloor); err != nil {
		return err
	}
	return validateBounds("output", o.OutputLimit, o.OutputFloor)
}

func validateBounds(name string, limit, floor int) error {
	if floor < 0 {
		return fmt.Errorf("%w: %s floor must be >= 0, got %d", ErrInvalidOptions, name, floor)
	}
	if limit < floor {
		return fmt.Errorf("%w: %s limit %d is below floor %d", ErrInvalidOptions, name, limit, floor)
	}
	// limit itself is only reachable when limit == floor
	largest := limit
	if limit > floor {
		largest = limit - 1
	}
	if largest > MaxArity {
		return fmt.Errorf("%w: %s arity can reach %d, max arity is %d", ErrInvalidOptions, name, largest, MaxArity)
	}
	return nil
}

// NumInputs decodes the input arity carried by codon.
func (o Options) NumInputs(codon byte) int {
	return arity(codon, o.InputLimit, o.InputFloor)
}

// NumOutputs decodes the output arity carried by codon.
func (o Options) NumOutputs(codon byte) int {
	return arity(codon, o.OutputLimit, o.OutputFloor)
}

func arity(codon byte, limit, floor int) int {
	span := limit - floor
	if span == 0 {
		return limit
	}
	return int(codon)%span + floor
}
