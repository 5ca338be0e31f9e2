package model

import (
	"context"
	"fmt"

	"github.com/jmorganca/zoo/generate"
	"github.com/jmorganca/zoo/ml"
)

// Prompts splits a (B, L) tensor of token ids into rows.
func Prompts(ids *ml.Tensor) ([][]int32, error) {
	if ids.NumDims() != 2 {
		return nil, fmt.Errorf("%w: prompts need (batch, length) ids, got %v", ml.ErrShape, ids.Shape())
	}

	batch, length := ids.Dim(0), ids.Dim(1)
	s := ids.Ints()
	rows := make([][]int32, batch)
	for i := range rows {
		rows[i] = make([]int32, length)
		for j := range length {
			rows[i][j] = int32(s[i*length+j])
		}
	}

	return rows, nil
}

// Sequences stacks equally long token sequences into a (B, L) tensor.
func Sequences(seqs [][]int32) (*ml.Tensor, error) {
	if len(seqs) == 0 {
		return nil, fmt.Errorf("%w: no sequences", ml.ErrShape)
	}

	length := len(seqs[0])
	s := make([]int64, 0, len(seqs)*length)
	for _, seq := range seqs {
		if len(seq) != length {
			return nil, fmt.Errorf("%w: sequences of length %d and %d", ml.ErrShape, length, len(seq))
		}

		for _, id := range seq {
			s = append(s, int64(id))
		}
	}

	return ml.FromInts(s, len(seqs), length)
}

// Generate searches from prompts and packs the result into a zero filled
// buffer MaxGenSeqLength wide. The first drop tokens of every sequence are
// removed and the length bounds are extended by drop: decoder-only models
// pass the prompt length, encoder-decoder models zero.
func Generate(ctx context.Context, step generate.StepFunc, prompts [][]int32, opts generate.Options, drop int) (*GenerationOutputs, error) {
	res, err := generate.Search(ctx, step, prompts, opts.MaxGenSeqLength+drop, opts.MinGenSeqLength+drop, opts)
	if err != nil {
		return nil, err
	}

	seqs, err := generate.Pack(res.Sequences, opts.NumReturnSequences, opts.MaxGenSeqLength, drop)
	if err != nil {
		return nil, err
	}

	scores, err := res.ScoresTensor()
	if err != nil {
		return nil, err
	}

	if opts.NumReturnSequences > 1 {
		if scores, err = scores.Reshape(len(prompts), opts.NumReturnSequences); err != nil {
			return nil, err
		}
	}

	return &GenerationOutputs{Sequences: seqs, SequencesScores: scores}, nil
}

// LastLogits returns the logits of the final position of (B, L, V) as one
// row per batch entry.
func LastLogits(logits *ml.Tensor) ([][]float32, error) {
	if logits.NumDims() != 3 {
		return nil, fmt.Errorf("%w: expected (batch, length, vocab) logits, got %v", ml.ErrShape, logits.Shape())
	}

	last, err := logits.Index(1, -1)
	if err != nil {
		return nil, err
	}

	vocab := last.Dim(-1)
	s := last.Floats()
	rows := make([][]float32, last.Dim(0))
	for i := range rows {
		rows[i] = s[i*vocab : (i+1)*vocab]
	}

	return rows, nil
}
