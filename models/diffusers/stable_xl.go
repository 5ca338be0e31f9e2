package diffusers

import (
	"context"

	"github.com/jmorganca/zoo/bundle"
	"github.com/jmorganca/zoo/config"
	"github.com/jmorganca/zoo/ml"
	"github.com/jmorganca/zoo/process"
	"github.com/jmorganca/zoo/tokenizer"
)

const stableXLSection = "core/process/diffusers/stable_xl"

// StableXLProcessor is StableProcessor with the second text encoder of
// Stable Diffusion XL. prompt2 and negative_prompt2 default to prompt and
// negative_prompt.
type StableXLProcessor struct {
	*StableProcessor
	tok2 tokenizer.Tokenizer
}

func NewStableXLProcessor(tok, tok2 tokenizer.Tokenizer, vae VAEConfig, opts StableOptions) *StableXLProcessor {
	return &StableXLProcessor{StableProcessor: NewStableProcessor(tok, vae, opts), tok2: tok2}
}

func NewStableXLProcessorFromConfig(cfg *config.Config) (*StableXLProcessor, error) {
	s := cfg.Section(stableXLSection)
	infos, err := pretrainedInfos()
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	name := s.String("pretrained_name", "stable-xl-base")

	tok, err := loadTokenizer(ctx, s, infos, name, "vocab1_path", "merge1_path", "text")
	if err != nil {
		return nil, err
	}

	tok2, err := loadTokenizer(ctx, s, infos, name, "vocab2_path", "merge2_path", "text2")
	if err != nil {
		return nil, err
	}

	vae, err := loadVAEConfig(ctx, s, infos, name)
	if err != nil {
		return nil, err
	}

	opts, err := stableOptions(s, 1024)
	if err != nil {
		return nil, err
	}

	return NewStableXLProcessor(tok, tok2, vae, opts), nil
}

// second encodes the text of the second encoder for the argument key,
// falling back to the argument fallback.
func (p *StableXLProcessor) second(args process.Args, key, fallback, ids, mask string, defaultValue ...string) (*bundle.Tensors, error) {
	if !args.Has(key) || args[key] == nil {
		text, err := args.String(fallback, defaultValue...)
		if err != nil {
			return nil, err
		}
		args = process.Args{key: text, "max_seq_length": args["max_seq_length"]}
	}

	return p.prompt(p.tok2, args, key, ids, mask)
}

func (p *StableXLProcessor) prompts(args process.Args) (*bundle.Tensors, error) {
	b, err := p.StableProcessor.prompts(args)
	if err != nil {
		return nil, err
	}

	pos, err := p.second(args, "prompt2", "prompt", "input2_ids", "attention2_mask")
	if err != nil {
		return nil, err
	}

	neg, err := p.second(args, "negative_prompt2", "negative_prompt", "negative_input2_ids", "negative_attention2_mask", "")
	if err != nil {
		return nil, err
	}

	if b, err = b.Add(pos); err != nil {
		return nil, err
	}

	return b.Add(neg)
}

// Text2Image returns a training example with add_time_ids, the size
// conditioning of XL: original height and width, crop top and left, target
// height and width.
func (p *StableXLProcessor) Text2Image(_ context.Context, args process.Args) (any, error) {
	b, err := p.prompt(p.tok, args, "prompt", "input_ids", "attention_mask")
	if err != nil {
		return nil, err
	}

	pos, err := p.second(args, "prompt2", "prompt", "input2_ids", "attention2_mask")
	if err != nil {
		return nil, err
	}

	if b, err = b.Add(pos); err != nil {
		return nil, err
	}

	img, err := args.Image("image")
	if err != nil {
		return nil, err
	}

	pixels, c, err := p.trainingPixels(img)
	if err != nil {
		return nil, err
	}

	ids, err := ml.FromFloats([]float32{
		float32(c.original.Y), float32(c.original.X),
		float32(c.offset.Y), float32(c.offset.X),
		float32(p.imageSize), float32(p.imageSize),
	}, 6)
	if err != nil {
		return nil, err
	}

	if b, err = with(b, bundle.F("pixel_values", pixels), bundle.F("add_time_ids", ids)); err != nil {
		return nil, err
	}

	return bundle.Inputs(b), nil
}

func (p *StableXLProcessor) Text2ImageInputs(_ context.Context, args process.Args) (any, error) {
	b, err := p.prompts(args)
	if err != nil {
		return nil, err
	}

	return bundle.Inputs(b), nil
}

func (p *StableXLProcessor) Image2ImageInputs(_ context.Context, args process.Args) (any, error) {
	b, err := p.prompts(args)
	if err != nil {
		return nil, err
	}

	pixels, err := p.pixels(args, "image")
	if err != nil {
		return nil, err
	}

	if b, err = with(b, bundle.F("pixel_values", pixels)); err != nil {
		return nil, err
	}

	return bundle.Inputs(b), nil
}

func (p *StableXLProcessor) InpaintingInputs(_ context.Context, args process.Args) (any, error) {
	b, err := p.prompts(args)
	if err != nil {
		return nil, err
	}

	pixels, err := p.pixels(args, "image")
	if err != nil {
		return nil, err
	}

	masks, err := p.mask(args, "mask_image", pixels)
	if err != nil {
		return nil, err
	}

	if b, err = with(b, bundle.F("pixel_values", pixels), bundle.F("pixel_masks", masks)); err != nil {
		return nil, err
	}

	return bundle.Inputs(b), nil
}
