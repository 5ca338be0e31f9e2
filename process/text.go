package process

import (
	"fmt"

	"github.com/jmorganca/zoo/bundle"
	"github.com/jmorganca/zoo/ml"
)

// Truncate keeps at most n ids. Left truncation keeps the tail.
func Truncate(ids []int32, n int, left bool) []int32 {
	if len(ids) <= n {
		return ids
	}

	if left {
		return ids[len(ids)-n:]
	}

	return ids[:n]
}

// Pad truncates or pads ids to exactly n and returns the padded ids with
// their attention mask. Left padding puts the pad ids first, as decoder
// only generation expects.
func Pad(ids []int32, n int, pad int32, left bool) ([]int64, []int64) {
	ids = Truncate(ids, n, left)

	out := make([]int64, n)
	mask := make([]int64, n)
	offset := 0
	if left {
		offset = n - len(ids)
	}

	for i := range out {
		out[i] = int64(pad)
	}

	for i, id := range ids {
		out[offset+i] = int64(id)
		mask[offset+i] = 1
	}

	return out, mask
}

// Labels pads ids with ignore so padded positions never count towards a
// loss, and returns the mask of real positions.
func Labels(ids []int32, n int, ignore int32) ([]int64, []int64) {
	return Pad(ids, n, ignore, false)
}

// Positions returns 0..n-1 offset so the first real token of a left padded
// row sits at zero.
func Positions(mask []int64) []int64 {
	out := make([]int64, len(mask))
	var p int64
	for i, m := range mask {
		if m == 0 {
			continue
		}
		out[i] = p
		p++
	}

	return out
}

// Tensors builds a container of 1-D int64 fields, one per name.
func Tensors(names []string, values ...[]int64) (*bundle.Tensors, error) {
	if len(names) != len(values) {
		return nil, fmt.Errorf("%d names for %d fields", len(names), len(values))
	}

	fields := make([]bundle.Field, len(values))
	for i, v := range values {
		t, err := ml.FromInts(v, len(v))
		if err != nil {
			return nil, err
		}
		fields[i] = bundle.F(names[i], t)
	}

	return bundle.NewTensors(fields...), nil
}
