package model

import (
	"github.com/jmorganca/zoo/bundle"
	"github.com/jmorganca/zoo/ml"
)

// GenerationOutputs holds generated token ids, (B, max_gen) or
// (B, nret, max_gen), and one score per returned sequence.
type GenerationOutputs struct {
	Sequences       *ml.Tensor
	SequencesScores *ml.Tensor
}

func (o GenerationOutputs) Bundle() *bundle.Tensors {
	return bundle.Outputs(bundle.NewTensors(
		bundle.F("sequences", o.Sequences),
		bundle.F("sequences_scores", o.SequencesScores),
	))
}

// GenerationTargets holds reference token ids and their padding masks.
type GenerationTargets struct {
	Refs  *ml.Tensor
	Masks *ml.Tensor
}

func (o GenerationTargets) Bundle() *bundle.Tensors {
	return bundle.Targets(bundle.NewTensors(
		bundle.F("refs", o.Refs),
		bundle.F("masks", o.Masks),
	))
}

type ClassificationOutputs struct {
	Outputs *ml.Tensor
}

func (o ClassificationOutputs) Bundle() *bundle.Tensors {
	return bundle.Outputs(bundle.NewTensors(bundle.F("outputs", o.Outputs)))
}

type ClassificationTargets struct {
	Targets *ml.Tensor
}

func (o ClassificationTargets) Bundle() *bundle.Tensors {
	return bundle.Targets(bundle.NewTensors(bundle.F("targets", o.Targets)))
}

type LossOutputs struct {
	Loss *ml.Tensor
}

func (o LossOutputs) Bundle() *bundle.Tensors {
	return bundle.Outputs(bundle.NewTensors(bundle.F("loss", o.Loss)))
}

type EmbeddingOutputs struct {
	Embeds *ml.Tensor
}

func (o EmbeddingOutputs) Bundle() *bundle.Tensors {
	return bundle.Outputs(bundle.NewTensors(bundle.F("embeds", o.Embeds)))
}

// DiffusionOutputs holds decoded images, (B, 3, H, W) in [0, 1].
type DiffusionOutputs struct {
	Images *ml.Tensor
}

func (o DiffusionOutputs) Bundle() *bundle.Tensors {
	return bundle.Outputs(bundle.NewTensors(bundle.F("images", o.Images)))
}
