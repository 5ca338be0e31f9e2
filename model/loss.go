package model

import (
	"fmt"

	"github.com/jmorganca/zoo/ml"
)

// crossEntropy returns the negative log likelihood of each target under
// the rows of logits.
func crossEntropy(logits *ml.Tensor, targets []int64) ([]float32, error) {
	vocab := logits.Dim(-1)
	if logits.Size() != len(targets)*vocab {
		return nil, fmt.Errorf("%w: %d targets for logits %v", ml.ErrShape, len(targets), logits.Shape())
	}

	lp := ml.LogSoftmax(logits).Floats()
	nll := make([]float32, len(targets))
	for i, t := range targets {
		if t < 0 || int(t) >= vocab {
			continue
		}
		nll[i] = -lp[i*vocab+int(t)]
	}

	return nll, nil
}

// MaskedLoss is the sequence loss of logits (B, L, V) against targets
// (B, L): token cross entropy weighted by masks (B, L), summed per row,
// divided by the row's mask sum (at least one) and averaged over the
// batch. Targets outside the vocabulary contribute nothing.
func MaskedLoss(logits, targets, masks *ml.Tensor) (*ml.Tensor, error) {
	if logits.NumDims() != 3 || targets.Size() != logits.Dim(0)*logits.Dim(1) || masks.Size() != targets.Size() {
		return nil, fmt.Errorf("%w: logits %v, targets %v, masks %v", ml.ErrShape, logits.Shape(), targets.Shape(), masks.Shape())
	}

	nll, err := crossEntropy(logits, targets.Ints())
	if err != nil {
		return nil, err
	}

	batch, length := logits.Dim(0), logits.Dim(1)
	m := masks.Floats()
	var total float32
	for i := range batch {
		var sum, weight float32
		for j := range length {
			sum += nll[i*length+j] * m[i*length+j]
			weight += m[i*length+j]
		}
		total += sum / max(weight, 1)
	}

	return ml.Scalar(total / float32(batch)), nil
}

// ClassificationLoss is the mean cross entropy of logits (B, C) against
// class ids (B).
func ClassificationLoss(logits, targets *ml.Tensor) (*ml.Tensor, error) {
	if logits.NumDims() != 2 || targets.Size() != logits.Dim(0) {
		return nil, fmt.Errorf("%w: logits %v, targets %v", ml.ErrShape, logits.Shape(), targets.Shape())
	}

	nll, err := crossEntropy(logits, targets.Ints())
	if err != nil {
		return nil, err
	}

	var total float32
	for _, v := range nll {
		total += v
	}

	return ml.Scalar(total / float32(len(nll))), nil
}
