package writer

import (
	"fmt"

	"github.com/jmorganca/zoo/bundle"
	"github.com/jmorganca/zoo/ml"
	"github.com/jmorganca/zoo/tokenizer"
)

// Decoded detokenizes the "sequences" field of generation outputs into a
// table with one "decoded" column. Rows of (B, max_gen) sequences hold a
// string; rows of (B, nret, max_gen) sequences hold one string per returned
// sequence.
func Decoded(tok tokenizer.Tokenizer, outputs any) (*Table, error) {
	var b *bundle.Tensors
	switch v := outputs.(type) {
	case *bundle.Tensors:
		b = v
	case bundler:
		b = v.Bundle()
	default:
		return nil, fmt.Errorf("%w: %T has no sequences", ErrUnsupported, outputs)
	}

	seqs, err := b.Require("sequences")
	if err != nil {
		return nil, err
	}

	var nret int
	switch seqs.NumDims() {
	case 2:
		nret = 1
	case 3:
		nret = seqs.Dim(1)
	default:
		return nil, fmt.Errorf("%w: sequences %v", ml.ErrShape, seqs.Shape())
	}

	width := seqs.Dim(-1)
	s := seqs.Ints()
	decode := func(i int) (string, error) {
		ids := make([]int32, width)
		for j := range ids {
			ids[j] = int32(s[i*width+j])
		}
		return tokenizer.DecodeText(tok, ids)
	}

	t := NewTable("decoded")
	for row := range seqs.Dim(0) {
		if seqs.NumDims() == 2 {
			text, err := decode(row)
			if err != nil {
				return nil, err
			}
			t.Rows = append(t.Rows, []any{text})
			continue
		}

		texts := make([]string, nret)
		for k := range texts {
			if texts[k], err = decode(row*nret + k); err != nil {
				return nil, err
			}
		}
		t.Rows = append(t.Rows, []any{texts})
	}

	return t, nil
}
