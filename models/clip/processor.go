package clip

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"

	"github.com/jmorganca/zoo/bundle"
	"github.com/jmorganca/zoo/config"
	"github.com/jmorganca/zoo/hub"
	"github.com/jmorganca/zoo/imageproc"
	"github.com/jmorganca/zoo/ml"
	"github.com/jmorganca/zoo/process"
	"github.com/jmorganca/zoo/tokenizer"
)

const processSection = "core/process/clip"

var (
	errNoTokenizer = errors.New("clip: processor has no tokenizer")
	errNoVision    = errors.New("clip: processor has no vision config")
)

// LoadTokenizer reads a CLIP vocab.json and merges.txt pair. Words end
// with "</w>" and text is lowercased.
func LoadTokenizer(vocabPath, mergePath string) (*tokenizer.BytePairEncoding, error) {
	return tokenizer.LoadBPE(vocabPath, mergePath,
		tokenizer.Specials{BOS: "<|startoftext|>", EOS: "<|endoftext|>", PAD: "<|endoftext|>"},
		tokenizer.BPEOptions{
			Pretokenizers: []string{tokenizer.CLIPPretokenizer},
			Lowercase:     true,
			EndOfWord:     "</w>",
		})
}

// EncodeText returns text framed by the start and end pieces, cut and
// right padded to n, with its attention mask.
func EncodeText(tok tokenizer.Tokenizer, text string, n int) ([]int64, []int64, error) {
	v := tok.Vocabulary()
	if len(v.BOS) == 0 || len(v.EOS) == 0 {
		return nil, nil, fmt.Errorf("clip: vocabulary has no start or end piece")
	}

	ids, err := tok.Encode(text, false)
	if err != nil {
		return nil, nil, err
	}

	ids = process.Truncate(ids, max(n-2, 0), false)
	ids = append(append([]int32{v.BOS[0]}, ids...), v.EOS[0])

	pad := v.EOS[0]
	if len(v.PAD) > 0 {
		pad = v.PAD[0]
	}

	inputIDs, mask := process.Pad(ids, n, pad, false)
	return inputIDs, mask, nil
}

// edge is an image size given either as a number or as an object such as
// {"shortest_edge": 224} or {"height": 224, "width": 224}.
type edge int

func (e *edge) UnmarshalJSON(b []byte) error {
	if bytes.HasPrefix(bytes.TrimSpace(b), []byte("{")) {
		var m map[string]int
		if err := json.Unmarshal(b, &m); err != nil {
			return err
		}

		for _, k := range []string{"shortest_edge", "height", "width"} {
			if v, ok := m[k]; ok {
				*e = edge(v)
				return nil
			}
		}

		return fmt.Errorf("clip: image size %s has no edge", b)
	}

	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}

	*e = edge(n)
	return nil
}

// ImageConfig is the preprocessor_config.json of the vision tower.
type ImageConfig struct {
	Size      edge       `json:"size"`
	CropSize  edge       `json:"crop_size"`
	ImageMean [3]float32 `json:"image_mean"`
	ImageStd  [3]float32 `json:"image_std"`
}

func DefaultImageConfig() ImageConfig {
	return ImageConfig{
		Size:      224,
		CropSize:  224,
		ImageMean: imageproc.ClipDefaultMean,
		ImageStd:  imageproc.ClipDefaultSTD,
	}
}

func LoadImageConfig(path string) (ImageConfig, error) {
	c := DefaultImageConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}

	if err := json.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}

	return c, nil
}

// Pixels resizes img so its shorter side is Size, crops the center
// CropSize square and normalizes it into a (3, CropSize, CropSize) tensor.
func (c ImageConfig) Pixels(img image.Image) (*ml.Tensor, error) {
	img = imageproc.Composite(img)
	img = imageproc.ResizeShortest(img, int(c.Size), imageproc.ResizeBilinear)
	img = imageproc.CenterCrop(img, image.Pt(int(c.CropSize), int(c.CropSize)))
	return imageproc.Tensor(img, c.ImageMean, c.ImageStd)
}

// Processor prepares text and images for the CLIP towers. Text-only or
// image-only processors leave the other side nil.
type Processor struct {
	tok    tokenizer.Tokenizer
	vision *ImageConfig

	maxSeqLength int
}

func NewProcessor(tok tokenizer.Tokenizer, vision *ImageConfig, maxSeqLength int) *Processor {
	return &Processor{tok: tok, vision: vision, maxSeqLength: maxSeqLength}
}

// resolved holds the resources of a pretrained entry a processor needs.
type resolved struct {
	tok    tokenizer.Tokenizer
	vision *ImageConfig
}

func resolve(ctx context.Context, s config.Section, name string, text, vision bool) (resolved, error) {
	var r resolved
	infos, err := pretrainedInfos()
	if err != nil {
		return r, err
	}

	if text {
		vocab, err := hub.Resolve(ctx, s, "vocab_path", infos, name, "vocab")
		if err != nil {
			return r, err
		}

		merge, err := hub.Resolve(ctx, s, "merge_path", infos, name, "merge")
		if err != nil {
			return r, err
		}

		if r.tok, err = LoadTokenizer(vocab, merge); err != nil {
			return r, err
		}
	}

	if vision {
		path, err := hub.Resolve(ctx, s, "vision_config_path", infos, name, "vision_config")
		if err != nil {
			return r, err
		}

		c, err := LoadImageConfig(path)
		if err != nil {
			return r, err
		}
		r.vision = &c
	}

	return r, nil
}

func NewProcessorFromConfig(cfg *config.Config) (*Processor, error) {
	s := cfg.Section(processSection)
	r, err := resolve(context.Background(), s, s.String("pretrained_name", defaultPretrainedName), true, true)
	if err != nil {
		return nil, err
	}

	return NewProcessor(r.tok, r.vision, s.Int("max_seq_length", 128)), nil
}

func (p *Processor) text(args process.Args) (*bundle.Tensors, error) {
	if p.tok == nil {
		return nil, errNoTokenizer
	}

	text, err := args.String("text")
	if err != nil {
		return nil, err
	}

	n, err := args.Int("max_seq_length", p.maxSeqLength)
	if err != nil {
		return nil, err
	}

	ids, mask, err := EncodeText(p.tok, text, n)
	if err != nil {
		return nil, err
	}

	return process.Tensors([]string{"input_ids", "attention_mask", "position_ids"}, ids, mask, process.Positions(mask))
}

func (p *Processor) image(args process.Args) (*bundle.Tensors, error) {
	if p.vision == nil {
		return nil, errNoVision
	}

	img, err := args.Image("image")
	if err != nil {
		return nil, err
	}

	pixels, err := p.vision.Pixels(img)
	if err != nil {
		return nil, err
	}

	return bundle.NewTensors(bundle.F("pixel_values", pixels)), nil
}

// Classification returns the text fields of text and the pixel values of
// image.
func (p *Processor) Classification(_ context.Context, args process.Args) (any, error) {
	text, err := p.text(args)
	if err != nil {
		return nil, err
	}

	image, err := p.image(args)
	if err != nil {
		return nil, err
	}

	b, err := text.Add(image)
	if err != nil {
		return nil, err
	}

	return bundle.Inputs(b), nil
}

func (p *Processor) TextClassification(_ context.Context, args process.Args) (any, error) {
	b, err := p.text(args)
	if err != nil {
		return nil, err
	}

	return bundle.Inputs(b), nil
}

func (p *Processor) ImageClassification(_ context.Context, args process.Args) (any, error) {
	b, err := p.image(args)
	if err != nil {
		return nil, err
	}

	return bundle.Inputs(b), nil
}
