package distributed

import (
	"fmt"

	"github.com/jmorganca/zoo/ml"
)

type wireTensor struct {
	DType ml.DType  `cbor:"1,keyasint"`
	Shape []int     `cbor:"2,keyasint"`
	F32   []float32 `cbor:"3,keyasint,omitempty"`
	I64   []int64   `cbor:"4,keyasint,omitempty"`
}

type gatherRequest struct {
	Seq     uint64       `cbor:"1,keyasint"`
	Rank    int          `cbor:"2,keyasint"`
	Tensors []wireTensor `cbor:"3,keyasint"`
}

type gatherResponse struct {
	Group string         `cbor:"1,keyasint"`
	Parts [][]wireTensor `cbor:"2,keyasint"`
}

func encodeTensors(ts []*ml.Tensor) []wireTensor {
	out := make([]wireTensor, len(ts))
	for i, t := range ts {
		out[i] = wireTensor{DType: t.DType(), Shape: t.Shape()}
		if t.DType() == ml.DTypeI64 {
			out[i].I64 = t.Ints()
		} else {
			out[i].F32 = t.Floats()
		}
	}

	return out
}

func decodeTensors(ws []wireTensor, device string) ([]*ml.Tensor, error) {
	out := make([]*ml.Tensor, len(ws))
	for i, w := range ws {
		var t *ml.Tensor
		var err error
		switch w.DType {
		case ml.DTypeF32:
			t, err = ml.FromFloats(w.F32, w.Shape...)
		case ml.DTypeI64:
			t, err = ml.FromInts(w.I64, w.Shape...)
		default:
			err = fmt.Errorf("unsupported dtype %s", w.DType)
		}
		if err != nil {
			return nil, fmt.Errorf("tensor %d: %w", i, err)
		}

		if device != "" && device != t.Device() {
			if t, err = t.To(device); err != nil {
				return nil, err
			}
		}

		out[i] = t
	}

	return out, nil
}

// place returns ts moved to device, leaving tensors already there as is.
func place(ts []*ml.Tensor, device string) ([]*ml.Tensor, error) {
	out := make([]*ml.Tensor, len(ts))
	for i, t := range ts {
		if t.Device() == device {
			out[i] = t
			continue
		}

		var err error
		if out[i], err = t.To(device); err != nil {
			return nil, fmt.Errorf("tensor %d: %w", i, err)
		}
	}

	return out, nil
}
