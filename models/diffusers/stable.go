package diffusers

import (
	"context"
	"fmt"
	"image"
	"math/rand/v2"
	"sync"

	"github.com/jmorganca/zoo/bundle"
	"github.com/jmorganca/zoo/config"
	"github.com/jmorganca/zoo/hub"
	"github.com/jmorganca/zoo/imageproc"
	"github.com/jmorganca/zoo/ml"
	"github.com/jmorganca/zoo/model"
	"github.com/jmorganca/zoo/models/clip"
	"github.com/jmorganca/zoo/process"
	"github.com/jmorganca/zoo/tokenizer"
)

const stableSection = "core/process/diffusers/stable"

// VAEConfig is the part of the autoencoder config.json that fixes the
// latent scale of input images.
type VAEConfig struct {
	BlockOutChannels []int `json:"block_out_channels"`
	SampleSize       int   `json:"sample_size"`
}

// ScaleFactor is the ratio of pixel to latent size. Image sides are cut to
// a multiple of it.
func (c VAEConfig) ScaleFactor() int {
	return 1 << max(len(c.BlockOutChannels)-1, 0)
}

// StableProcessor prepares prompts and images for Stable Diffusion
// pipelines. Training images are resized, cropped to image_size and
// optionally flipped; inference images keep their size, cut to a multiple
// of the VAE scale factor.
type StableProcessor struct {
	tok tokenizer.Tokenizer
	vae VAEConfig

	maxSeqLength int
	imageSize    int
	centerCrop   bool
	randomFlip   bool

	mu  sync.Mutex
	rng *rand.Rand
}

type StableOptions struct {
	MaxSeqLength int    `option:"max_seq_length"`
	ImageSize    int    `option:"image_size"`
	CenterCrop   bool   `option:"center_crop"`
	RandomFlip   bool   `option:"random_flip"`
	Seed         uint64 `option:"seed"`
}

func NewStableProcessor(tok tokenizer.Tokenizer, vae VAEConfig, opts StableOptions) *StableProcessor {
	return &StableProcessor{
		tok:          tok,
		vae:          vae,
		maxSeqLength: opts.MaxSeqLength,
		imageSize:    opts.ImageSize,
		centerCrop:   opts.CenterCrop,
		randomFlip:   opts.RandomFlip,
		rng:          rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9E3779B97F4A7C15)),
	}
}

func loadVAEConfig(ctx context.Context, s config.Section, infos map[string]any, name string) (VAEConfig, error) {
	var c VAEConfig
	path, err := hub.Resolve(ctx, s, "vae_config_path", infos, name, "vae", "config")
	if err != nil {
		return c, err
	}

	return c, model.ReadConfig(path, &c)
}

func loadTokenizer(ctx context.Context, s config.Section, infos map[string]any, name, vocabOption, mergeOption, key string) (tokenizer.Tokenizer, error) {
	vocab, err := hub.Resolve(ctx, s, vocabOption, infos, name, key, "vocab")
	if err != nil {
		return nil, err
	}

	merge, err := hub.Resolve(ctx, s, mergeOption, infos, name, key, "merge")
	if err != nil {
		return nil, err
	}

	return clip.LoadTokenizer(vocab, merge)
}

func stableOptions(s config.Section, imageSize int) (StableOptions, error) {
	opts := StableOptions{MaxSeqLength: 77, ImageSize: imageSize}
	if err := config.Decode(s, &opts); err != nil {
		return opts, err
	}

	if opts.MaxSeqLength < 2 || opts.ImageSize < 1 {
		return opts, fmt.Errorf("%s: max_seq_length %d and image_size %d are too small", s.Name(), opts.MaxSeqLength, opts.ImageSize)
	}

	return opts, nil
}

func NewStableProcessorFromConfig(cfg *config.Config) (*StableProcessor, error) {
	s := cfg.Section(stableSection)
	infos, err := pretrainedInfos()
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	name := s.String("pretrained_name", "stable-v2")

	tok, err := loadTokenizer(ctx, s, infos, name, "vocab_path", "merge_path", "text")
	if err != nil {
		return nil, err
	}

	vae, err := loadVAEConfig(ctx, s, infos, name)
	if err != nil {
		return nil, err
	}

	opts, err := stableOptions(s, 512)
	if err != nil {
		return nil, err
	}

	return NewStableProcessor(tok, vae, opts), nil
}

// prompt encodes the text argument key with tok into fields named ids and
// mask.
func (p *StableProcessor) prompt(tok tokenizer.Tokenizer, args process.Args, key, ids, mask string, defaultValue ...string) (*bundle.Tensors, error) {
	text, err := args.String(key, defaultValue...)
	if err != nil {
		return nil, err
	}

	n, err := args.Int("max_seq_length", p.maxSeqLength)
	if err != nil {
		return nil, err
	}

	inputIDs, attention, err := clip.EncodeText(tok, text, n)
	if err != nil {
		return nil, err
	}

	return process.Tensors([]string{ids, mask}, inputIDs, attention)
}

// prompts encodes prompt and negative_prompt.
func (p *StableProcessor) prompts(args process.Args) (*bundle.Tensors, error) {
	pos, err := p.prompt(p.tok, args, "prompt", "input_ids", "attention_mask")
	if err != nil {
		return nil, err
	}

	neg, err := p.prompt(p.tok, args, "negative_prompt", "negative_input_ids", "negative_attention_mask", "")
	if err != nil {
		return nil, err
	}

	return pos.Add(neg)
}

// crop records where a training image was cut, for size conditioning.
type crop struct {
	original image.Point
	offset   image.Point
}

// trainingPixels resizes img so its shorter side is image_size, cuts an
// image_size square out of it and flips it half of the time when
// random_flip is set.
func (p *StableProcessor) trainingPixels(img image.Image) (*ml.Tensor, crop, error) {
	c := crop{original: img.Bounds().Size()}
	size := p.imageSize

	img = imageproc.ResizeShortest(imageproc.Composite(img), size, imageproc.ResizeBilinear)
	b := img.Bounds()

	p.mu.Lock()
	if p.centerCrop {
		c.offset = image.Pt((b.Dx()-size)/2, (b.Dy()-size)/2)
	} else {
		c.offset = image.Pt(p.rng.IntN(b.Dx()-size+1), p.rng.IntN(b.Dy()-size+1))
	}
	flip := p.randomFlip && p.rng.IntN(2) == 1
	p.mu.Unlock()

	img = imageproc.Crop(img, c.offset, image.Pt(size, size))
	if flip {
		img = imageproc.FlipHorizontal(img)
	}

	t, err := imageproc.Tensor(img, imageproc.ImageNetStandardMean, imageproc.ImageNetStandardSTD)
	return t, c, err
}

// scaled cuts the sides of img down to a multiple of the VAE scale factor.
func (p *StableProcessor) scaled(img image.Image) image.Image {
	f := p.vae.ScaleFactor()
	b := img.Bounds()
	w, h := max(b.Dx()-b.Dx()%f, f), max(b.Dy()-b.Dy()%f, f)
	if w == b.Dx() && h == b.Dy() {
		return img
	}

	return imageproc.Resize(img, image.Pt(w, h), imageproc.ResizeBilinear)
}

// pixels normalizes the image argument key to [-1, 1] for the VAE.
func (p *StableProcessor) pixels(args process.Args, key string) (*ml.Tensor, error) {
	img, err := args.Image(key)
	if err != nil {
		return nil, err
	}

	return imageproc.Tensor(p.scaled(imageproc.Composite(img)), imageproc.ImageNetStandardMean, imageproc.ImageNetStandardSTD)
}

// mask binarizes the image argument key at the size of the image
// argument, giving (1, H, W).
func (p *StableProcessor) mask(args process.Args, key string, like *ml.Tensor) (*ml.Tensor, error) {
	img, err := args.Image(key)
	if err != nil {
		return nil, err
	}

	size := image.Pt(like.Dim(-1), like.Dim(-2))
	if img.Bounds().Size() != size {
		img = imageproc.Resize(img, size, imageproc.ResizeNearestNeighbor)
	}

	return imageproc.Mask(img)
}

func with(b *bundle.Tensors, fields ...bundle.Field) (*bundle.Tensors, error) {
	return b.Add(bundle.NewTensors(fields...))
}

// Text2Image returns a training example: the prompt fields and the pixel
// values of image.
func (p *StableProcessor) Text2Image(_ context.Context, args process.Args) (any, error) {
	b, err := p.prompt(p.tok, args, "prompt", "input_ids", "attention_mask")
	if err != nil {
		return nil, err
	}

	img, err := args.Image("image")
	if err != nil {
		return nil, err
	}

	pixels, _, err := p.trainingPixels(img)
	if err != nil {
		return nil, err
	}

	if b, err = with(b, bundle.F("pixel_values", pixels)); err != nil {
		return nil, err
	}

	return bundle.Inputs(b), nil
}

func (p *StableProcessor) Text2ImageInputs(_ context.Context, args process.Args) (any, error) {
	b, err := p.prompts(args)
	if err != nil {
		return nil, err
	}

	return bundle.Inputs(b), nil
}

func (p *StableProcessor) Image2ImageInputs(_ context.Context, args process.Args) (any, error) {
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

func (p *StableProcessor) InpaintingInputs(_ context.Context, args process.Args) (any, error) {
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

// ResolutionInputs prepares the low resolution image of an upscaling
// pipeline.
func (p *StableProcessor) ResolutionInputs(ctx context.Context, args process.Args) (any, error) {
	return p.Image2ImageInputs(ctx, args)
}
