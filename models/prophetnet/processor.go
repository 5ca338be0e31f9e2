package prophetnet

import (
	"context"
	"fmt"

	"github.com/jmorganca/zoo/bundle"
	"github.com/jmorganca/zoo/config"
	"github.com/jmorganca/zoo/hub"
	"github.com/jmorganca/zoo/ml"
	"github.com/jmorganca/zoo/model"
	"github.com/jmorganca/zoo/process"
	"github.com/jmorganca/zoo/tokenizer"
	"github.com/jmorganca/zoo/writer"
)

const processSection = "core/process/prophetnet"

// Processor encodes source text for the encoder and target text for the
// decoder. Both end with the separator piece, which also starts decoding.
type Processor struct {
	tok tokenizer.Tokenizer

	sep, pad int32

	maxSeqLength    int
	maxGenSeqLength int
}

func NewProcessor(tok tokenizer.Tokenizer, sepToken, padToken string, maxSeqLength, maxGenSeqLength int) (*Processor, error) {
	v := tok.Vocabulary()
	lookup := func(piece string) (int32, error) {
		id := v.Encode(piece)
		if id < 0 {
			return 0, fmt.Errorf("prophetnet: %w: %q", tokenizer.ErrUnknownToken, piece)
		}

		if int(id) < len(v.Types) {
			v.Types[id] = tokenizer.TypeControl
		}
		return id, nil
	}

	sep, err := lookup(sepToken)
	if err != nil {
		return nil, err
	}

	pad, err := lookup(padToken)
	if err != nil {
		return nil, err
	}

	v.EOS, v.PAD = []int32{sep}, []int32{pad}
	return &Processor{
		tok:             tok,
		sep:             sep,
		pad:             pad,
		maxSeqLength:    maxSeqLength,
		maxGenSeqLength: maxGenSeqLength,
	}, nil
}

func NewProcessorFromConfig(cfg *config.Config) (*Processor, error) {
	s := cfg.Section(processSection)
	infos, err := pretrainedInfos()
	if err != nil {
		return nil, err
	}

	name := s.String("pretrained_name", defaultPretrainedName)
	vocabPath, err := hub.Resolve(context.Background(), s, "vocab_path", infos, name, "vocab")
	if err != nil {
		return nil, err
	}

	spm, err := tokenizer.LoadSentencePiece(vocabPath)
	if err != nil {
		return nil, err
	}

	return NewProcessor(spm,
		s.String("sep_token", "[SEP]"),
		s.String("pad_token", "[PAD]"),
		s.Int("max_seq_length", 128),
		s.Int("max_gen_seq_length", 48),
	)
}

// closed returns text cut to n-1 ids followed by the separator.
func (p *Processor) closed(text string, n int) ([]int32, error) {
	ids, err := p.tok.Encode(text, false)
	if err != nil {
		return nil, err
	}

	ids = process.Truncate(ids, max(n-1, 0), false)
	return append(ids, p.sep), nil
}

func (p *Processor) source(args process.Args) (*bundle.Tensors, error) {
	text, err := args.String("text")
	if err != nil {
		return nil, err
	}

	n, err := args.Int("max_seq_length", p.maxSeqLength)
	if err != nil {
		return nil, err
	}

	ids, err := p.closed(text, n)
	if err != nil {
		return nil, err
	}

	inputIDs, mask := process.Pad(ids, n, p.pad, false)
	return process.Tensors([]string{"input_ids", "attention_mask"}, inputIDs, mask)
}

// target returns the decoder inputs of text, which start with the
// separator, and the references they predict, which end with it.
func (p *Processor) target(text string, g int) (inputs []int64, mask []int64, refs []int64, refMask []int64, err error) {
	ids, err := p.closed(text, g)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	refs, refMask = process.Pad(ids, g, p.pad, false)
	inputs, mask = process.Pad(append([]int32{p.sep}, ids[:len(ids)-1]...), g, p.pad, false)
	return inputs, mask, refs, refMask, nil
}

func (p *Processor) GenerationInputs(_ context.Context, args process.Args) (any, error) {
	b, err := p.source(args)
	if err != nil {
		return nil, err
	}

	return bundle.Inputs(b), nil
}

func (p *Processor) GenerationLabels(_ context.Context, args process.Args) (any, error) {
	text, err := args.String("text")
	if err != nil {
		return nil, err
	}

	g, err := args.Int("max_gen_seq_length", p.maxGenSeqLength)
	if err != nil {
		return nil, err
	}

	_, _, refs, masks, err := p.target(text, g)
	if err != nil {
		return nil, err
	}

	return targets(refs, masks)
}

func targets(refs, masks []int64) (*bundle.Tensors, error) {
	r, err := ml.FromInts(refs, len(refs))
	if err != nil {
		return nil, err
	}

	m, err := ml.FromInts(masks, len(masks))
	if err != nil {
		return nil, err
	}

	return model.GenerationTargets{Refs: r, Masks: m}.Bundle(), nil
}

// Generation returns one training example: the encoder inputs of text
// with the decoder inputs of text_pair, and the references of text_pair.
func (p *Processor) Generation(_ context.Context, args process.Args) (any, error) {
	source, err := p.source(args)
	if err != nil {
		return nil, err
	}

	pair, err := args.String("text_pair")
	if err != nil {
		return nil, err
	}

	g, err := args.Int("max_gen_seq_length", p.maxGenSeqLength)
	if err != nil {
		return nil, err
	}

	decIDs, decMask, refs, refMask, err := p.target(pair, g)
	if err != nil {
		return nil, err
	}

	dec, err := process.Tensors([]string{"decoder_input_ids", "decoder_attention_mask"}, decIDs, decMask)
	if err != nil {
		return nil, err
	}

	inputs, err := source.Add(dec)
	if err != nil {
		return nil, err
	}

	t, err := targets(refs, refMask)
	if err != nil {
		return nil, err
	}

	return process.Example{Inputs: bundle.Inputs(inputs), Targets: t}, nil
}

func (p *Processor) Detokenize(_ context.Context, args process.Args) (any, error) {
	outputs, ok := args["outputs"]
	if !ok {
		return nil, fmt.Errorf("missing argument %q", "outputs")
	}

	return writer.Decoded(p.tok, outputs)
}
