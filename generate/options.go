// Package generate decodes token sequences from a next-token scoring
// function with greedy, sampling or beam search.
package generate

import (
	"errors"
	"fmt"

	"github.com/jmorganca/zoo/config"
)

var ErrOptions = errors.New("invalid generation options")

// Options mirror the generation arguments accepted by every generation
// model. The option tags match configuration option names.
type Options struct {
	NumBeams            int     `option:"num_beams"`
	DecoderStartTokenID int32   `option:"decoder_start_token_id"`
	DecoderEndTokenID   int32   `option:"decoder_end_token_id"`
	NumReturnSequences  int     `option:"num_return_sequences"`
	MinGenSeqLength     int     `option:"min_gen_seq_length"`
	MaxGenSeqLength     int     `option:"max_gen_seq_length"`
	RepetitionPenalty   float64 `option:"repetition_penalty"`
	NoRepeatNgramSize   int     `option:"no_repeat_ngram_size"`
	EarlyStopping       bool    `option:"early_stopping"`
	LengthPenalty       float64 `option:"length_penalty"`
	NumBeamGroups       int     `option:"num_beam_groups"`
	DiversityPenalty    float64 `option:"diversity_penalty"`
	DoSample            bool    `option:"do_sample"`
	Temperature         float64 `option:"temperature"`
	TopK                int     `option:"top_k"`
	TopP                float64 `option:"top_p"`
	Seed                uint64  `option:"seed"`
}

func DefaultOptions() Options {
	return Options{
		NumBeams:            5,
		DecoderStartTokenID: 2,
		DecoderEndTokenID:   2,
		NumReturnSequences:  1,
		MinGenSeqLength:     0,
		MaxGenSeqLength:     48,
		RepetitionPenalty:   1.0,
		NoRepeatNgramSize:   0,
		EarlyStopping:       true,
		LengthPenalty:       1.0,
		NumBeamGroups:       1,
		DiversityPenalty:    0.0,
		DoSample:            false,
		Temperature:         1.0,
		TopK:                50,
		TopP:                1.0,
	}
}

func (o Options) validate() error {
	switch {
	case o.NumBeams < 1:
		return fmt.Errorf("%w: num_beams %d", ErrOptions, o.NumBeams)
	case o.NumBeamGroups < 1 || o.NumBeams%o.NumBeamGroups != 0:
		return fmt.Errorf("%w: num_beams %d is not divisible by num_beam_groups %d", ErrOptions, o.NumBeams, o.NumBeamGroups)
	case o.NumReturnSequences < 1:
		return fmt.Errorf("%w: num_return_sequences %d", ErrOptions, o.NumReturnSequences)
	case o.NumBeams == 1 && !o.DoSample && o.NumReturnSequences > 1:
		return fmt.Errorf("%w: greedy search returns one sequence, got num_return_sequences %d", ErrOptions, o.NumReturnSequences)
	case o.NumBeams > 1 && o.NumReturnSequences > o.NumBeams:
		return fmt.Errorf("%w: num_return_sequences %d exceeds num_beams %d", ErrOptions, o.NumReturnSequences, o.NumBeams)
	case o.MaxGenSeqLength < 1:
		return fmt.Errorf("%w: max_gen_seq_length %d", ErrOptions, o.MaxGenSeqLength)
	case o.DoSample && o.Temperature <= 0:
		return fmt.Errorf("%w: temperature %g", ErrOptions, o.Temperature)
	case o.TopP <= 0 || o.TopP > 1:
		return fmt.Errorf("%w: top_p %g", ErrOptions, o.TopP)
	}

	return nil
}

// Configured returns DefaultOptions overridden by the options set in s.
func Configured(s config.Section) (Options, error) {
	opts := DefaultOptions()
	if err := config.Decode(s, &opts); err != nil {
		return Options{}, err
	}

	return opts, opts.validate()
}
