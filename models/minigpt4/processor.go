package minigpt4

import (
	"context"
	"fmt"
	"image"

	"github.com/jmorganca/zoo/bundle"
	"github.com/jmorganca/zoo/config"
	"github.com/jmorganca/zoo/hub"
	"github.com/jmorganca/zoo/imageproc"
	"github.com/jmorganca/zoo/ml"
	"github.com/jmorganca/zoo/model"
	"github.com/jmorganca/zoo/models/clip"
	"github.com/jmorganca/zoo/process"
	"github.com/jmorganca/zoo/tokenizer"
	"github.com/jmorganca/zoo/writer"
)

const processSection = "core/process/minigpt4"

// Processor prepares the image, prefix text and suffix text a MiniGPT-4
// prompt is made of. The image embeddings go between the left padded
// prefix and the suffix. Padding uses the unknown piece.
type Processor struct {
	tok    tokenizer.Tokenizer
	vision clip.ImageConfig

	bos, eos, pad int32

	maxSeqLength    int
	maxGenSeqLength int
}

func NewProcessor(tok tokenizer.Tokenizer, vision clip.ImageConfig, maxSeqLength, maxGenSeqLength int) (*Processor, error) {
	v := tok.Vocabulary()
	lookup := func(piece string) (int32, error) {
		id := v.Encode(piece)
		if id < 0 {
			return 0, fmt.Errorf("minigpt4: %w: %q", tokenizer.ErrUnknownToken, piece)
		}
		return id, nil
	}

	p := &Processor{tok: tok, vision: vision, maxSeqLength: maxSeqLength, maxGenSeqLength: maxGenSeqLength}

	var err error
	if p.bos, err = lookup("<s>"); err != nil {
		return nil, err
	}
	if p.eos, err = lookup("</s>"); err != nil {
		return nil, err
	}
	if p.pad, err = lookup("<unk>"); err != nil {
		return nil, err
	}

	v.BOS, v.EOS, v.PAD = []int32{p.bos}, []int32{p.eos}, []int32{p.pad}
	return p, nil
}

func NewProcessorFromConfig(cfg *config.Config) (*Processor, error) {
	s := cfg.Section(processSection)
	infos, err := pretrainedInfos()
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	name := s.String("pretrained_name", defaultPretrainedName)

	vocabPath, err := hub.Resolve(ctx, s, "vocab_path", infos, name, "vocab")
	if err != nil {
		return nil, err
	}

	visionPath, err := hub.Resolve(ctx, s, "vision_config_path", infos, name, "vision_config")
	if err != nil {
		return nil, err
	}

	spm, err := tokenizer.LoadSentencePiece(vocabPath)
	if err != nil {
		return nil, err
	}

	vision, err := clip.LoadImageConfig(visionPath)
	if err != nil {
		return nil, err
	}

	return NewProcessor(spm, vision, s.Int("max_seq_length", 128), s.Int("max_gen_seq_length", 48))
}

// pixels resizes img to a Size square without cropping and normalizes it.
func (p *Processor) pixels(args process.Args) (*ml.Tensor, error) {
	img, err := args.Image("image")
	if err != nil {
		return nil, err
	}

	size := int(p.vision.Size)
	img = imageproc.Resize(imageproc.Composite(img), image.Pt(size, size), imageproc.ResizeBilinear)
	return imageproc.Tensor(img, p.vision.ImageMean, p.vision.ImageStd)
}

func (p *Processor) encode(args process.Args, key string) ([]int32, error) {
	text, err := args.String(key)
	if err != nil {
		return nil, err
	}

	return p.tok.Encode(text, false)
}

func (p *Processor) lengths(args process.Args) (int, int, error) {
	n, err := args.Int("max_seq_length", p.maxSeqLength)
	if err != nil {
		return 0, 0, err
	}

	g, err := args.Int("max_gen_seq_length", p.maxGenSeqLength)
	if err != nil {
		return 0, 0, err
	}

	if n < 1 || g < 1 {
		return 0, 0, fmt.Errorf("minigpt4: max_seq_length %d and max_gen_seq_length %d are too short", n, g)
	}

	return n, g, nil
}

// answer returns text cut to g-1 ids and closed with the end piece.
func (p *Processor) answer(args process.Args, key string, g int) ([]int32, error) {
	ids, err := p.encode(args, key)
	if err != nil {
		return nil, err
	}

	return append(process.Truncate(ids, g-1, false), p.eos), nil
}

// inputs returns the left padded prefix, the unpadded suffix and the pixel
// values of a prompt. When shared is set the suffix takes its room out of
// the n prefix positions first.
func (p *Processor) inputs(args process.Args, shared bool) (*bundle.Tensors, error) {
	prefix, err := p.encode(args, "prefix_text")
	if err != nil {
		return nil, err
	}

	suffix, err := p.encode(args, "suffix_text")
	if err != nil {
		return nil, err
	}

	n, _, err := p.lengths(args)
	if err != nil {
		return nil, err
	}

	room := n - 1
	if shared {
		suffix = process.Truncate(suffix, n-1, false)
		room -= len(suffix)
	}

	prefix = append([]int32{p.bos}, process.Truncate(prefix, room, false)...)
	prefixIDs, _ := process.Pad(prefix, n, p.pad, true)
	suffixIDs, _ := process.Pad(suffix, len(suffix), p.pad, false)

	pixels, err := p.pixels(args)
	if err != nil {
		return nil, err
	}

	b, err := process.Tensors([]string{"prefix_input_ids", "suffix_input_ids"}, prefixIDs, suffixIDs)
	if err != nil {
		return nil, err
	}

	return b.Add(bundle.NewTensors(bundle.F("pixel_values", pixels)))
}

// Prompt returns prefix_input_ids, suffix_input_ids and pixel_values of
// prefix_text, suffix_text and image, fitting both texts in
// max_seq_length.
func (p *Processor) Prompt(_ context.Context, args process.Args) (any, error) {
	b, err := p.inputs(args, true)
	if err != nil {
		return nil, err
	}

	return bundle.Inputs(b), nil
}

// GenerationInputs is Prompt with only the prefix bound by max_seq_length.
func (p *Processor) GenerationInputs(_ context.Context, args process.Args) (any, error) {
	b, err := p.inputs(args, false)
	if err != nil {
		return nil, err
	}

	return bundle.Inputs(b), nil
}

// GenerationLabels returns the reference ids of text, closed with the end
// piece and right padded to max_gen_seq_length.
func (p *Processor) GenerationLabels(_ context.Context, args process.Args) (any, error) {
	_, g, err := p.lengths(args)
	if err != nil {
		return nil, err
	}

	ids, err := p.answer(args, "text", g)
	if err != nil {
		return nil, err
	}

	refs, masks := process.Pad(ids, g, p.pad, false)
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

// Generation returns one training example. The prefix is left padded to
// max_seq_length + max_gen_seq_length, the answer text_pair is right
// padded to max_gen_seq_length and the labels line the answer up with the
// positions after the suffix.
func (p *Processor) Generation(_ context.Context, args process.Args) (any, error) {
	prefix, err := p.encode(args, "prefix_text")
	if err != nil {
		return nil, err
	}

	suffix, err := p.encode(args, "suffix_text")
	if err != nil {
		return nil, err
	}

	n, g, err := p.lengths(args)
	if err != nil {
		return nil, err
	}
	n += g

	pair, err := p.answer(args, "text_pair", g)
	if err != nil {
		return nil, err
	}

	prefix = append([]int32{p.bos}, process.Truncate(prefix, n-1, false)...)
	prefixIDs, prefixMask := process.Pad(prefix, n, p.pad, true)
	suffixIDs, suffixMask := process.Pad(suffix, len(suffix), p.pad, false)
	pairIDs, pairMask := process.Pad(pair, g, p.pad, false)

	// labels start at the last suffix position and run one past the answer
	skip := max(len(suffix)-1, 0)
	refs, masks := process.Pad(pair, g+1, p.pad, false)
	labels := append(make([]int64, skip), refs...)
	labelMask := append(make([]int64, skip), masks...)

	pixels, err := p.pixels(args)
	if err != nil {
		return nil, err
	}

	inputs, err := process.Tensors(
		[]string{"prefix_input_ids", "prefix_attention_mask", "suffix_input_ids", "suffix_attention_mask", "input_ids_pair", "attention_mask_pair"},
		prefixIDs, prefixMask, suffixIDs, suffixMask, pairIDs, pairMask,
	)
	if err != nil {
		return nil, err
	}

	if inputs, err = inputs.Add(bundle.NewTensors(bundle.F("pixel_values", pixels))); err != nil {
		return nil, err
	}

	r, err := ml.FromInts(labels, len(labels))
	if err != nil {
		return nil, err
	}

	m, err := ml.FromInts(labelMask, len(labelMask))
	if err != nil {
		return nil, err
	}

	return process.Example{
		Inputs:  bundle.Inputs(inputs),
		Targets: model.GenerationTargets{Refs: r, Masks: m}.Bundle(),
	}, nil
}

// Detokenize decodes the sequences of generation outputs into a table with
// a "decoded" column.
func (p *Processor) Detokenize(_ context.Context, args process.Args) (any, error) {
	outputs, ok := args["outputs"]
	if !ok {
		return nil, fmt.Errorf("missing argument %q", "outputs")
	}

	return writer.Decoded(p.tok, outputs)
}
