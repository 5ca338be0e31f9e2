package generate

import (
	"fmt"

	"github.com/jmorganca/zoo/ml"
)

// Pack copies each sequence, minus its first drop tokens, into a zero
// filled buffer maxGen wide. Sequences are grouped nret per batch row. The
// buffer is (B, maxGen) when nret is one and (B, nret, maxGen) otherwise.
// Tokens past maxGen are cut.
func Pack(seqs [][]int32, nret, maxGen, drop int) (*ml.Tensor, error) {
	if nret < 1 || len(seqs)%nret != 0 {
		return nil, fmt.Errorf("%w: %d sequences do not group by %d", ml.ErrShape, len(seqs), nret)
	}

	buf := make([]int64, len(seqs)*maxGen)
	for i, seq := range seqs {
		if drop < len(seq) {
			seq = seq[drop:]
		} else {
			seq = nil
		}

		row := buf[i*maxGen : (i+1)*maxGen]
		for j := range min(len(seq), maxGen) {
			row[j] = int64(seq[j])
		}
	}

	batch := len(seqs) / nret
	if nret == 1 {
		return ml.FromInts(buf, batch, maxGen)
	}

	return ml.FromInts(buf, batch, nret, maxGen)
}

// ScoresTensor returns the sequence scores as a flat (B*nret) tensor.
func (r *Result) ScoresTensor() (*ml.Tensor, error) {
	return ml.FromFloats(r.Scores, len(r.Scores))
}
