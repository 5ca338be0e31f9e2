// Package bundle holds named tensors that travel together through a batch:
// model inputs, outputs and targets.
package bundle

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrKeyMismatch  = errors.New("bundle: key sets differ")
	ErrDuplicateKey = errors.New("bundle: duplicate key")
	ErrNotSingleton = errors.New("bundle: list field must hold exactly one tensor")
	ErrMissingField = errors.New("bundle: missing field")
)

// Role tags a container as model inputs, outputs or targets so consumers
// such as writers can dispatch on it.
type Role int

const (
	RoleNone Role = iota
	RoleInputs
	RoleOutputs
	RoleTargets
)

func (r Role) String() string {
	switch r {
	case RoleInputs:
		return "inputs"
	case RoleOutputs:
		return "outputs"
	case RoleTargets:
		return "targets"
	default:
		return "none"
	}
}

type Roled interface {
	Role() Role
}

type roleSetter interface {
	setRole(Role)
}

func Inputs[B roleSetter](b B) B  { b.setRole(RoleInputs); return b }
func Outputs[B roleSetter](b B) B { b.setRole(RoleOutputs); return b }
func Targets[B roleSetter](b B) B { b.setRole(RoleTargets); return b }

// As tags b with role r.
func As[B roleSetter](b B, r Role) B { b.setRole(r); return b }

type mergeable[B any] interface {
	keys() []string
	union(axis int, bs []B) (B, error)
	stack(axis int, bs []B) (B, error)
	empty() B
}

func checkKeys[B mergeable[B]](bs []B) error {
	want := bs[0].keys()
	for i, b := range bs[1:] {
		if got := b.keys(); !slices.Equal(want, got) {
			return fmt.Errorf("%w: bundle %d has %v, bundle 0 has %v", ErrKeyMismatch, i+1, got, want)
		}
	}

	return nil
}

// Union merges bundles by concatenating every field along axis. List
// fields are flattened. All bundles must have the same keys in the same
// order; no bundles yields an empty container.
func Union[B mergeable[B]](axis int, bs ...B) (B, error) {
	if len(bs) == 0 {
		var zero B
		return zero.empty(), nil
	}

	if err := checkKeys(bs); err != nil {
		var zero B
		return zero, err
	}

	return bs[0].union(axis, bs)
}

// Stack merges bundles by stacking every field on a new axis. List fields
// must hold exactly one tensor per bundle and are flattened.
func Stack[B mergeable[B]](axis int, bs ...B) (B, error) {
	if len(bs) == 0 {
		var zero B
		return zero.empty(), nil
	}

	if err := checkKeys(bs); err != nil {
		var zero B
		return zero, err
	}

	return bs[0].stack(axis, bs)
}
