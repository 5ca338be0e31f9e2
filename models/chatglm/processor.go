package chatglm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jmorganca/zoo/bundle"
	"github.com/jmorganca/zoo/config"
	"github.com/jmorganca/zoo/hub"
	"github.com/jmorganca/zoo/ml"
	"github.com/jmorganca/zoo/model"
	"github.com/jmorganca/zoo/process"
	"github.com/jmorganca/zoo/tokenizer"
	"github.com/jmorganca/zoo/writer"
)

const processSection = "core/process/chatglm"

// specials names the control pieces of the vocabulary, as listed in a
// tokenizer_config.json.
type specials struct {
	BOS   string `json:"bos_token"`
	EOS   string `json:"eos_token"`
	PAD   string `json:"pad_token"`
	UNK   string `json:"unk_token"`
	GMask string `json:"gmask_token"`
}

// Processor turns text into model inputs and generated ids back into text.
// Prompts end with the [gMASK] and <sop> pieces and are left padded.
type Processor struct {
	tok tokenizer.Tokenizer

	bos, eos, pad, gmask int32

	maxSeqLength    int
	maxGenSeqLength int
}

func NewProcessor(tok tokenizer.Tokenizer, configPath string, maxSeqLength, maxGenSeqLength int) (*Processor, error) {
	sp := specials{BOS: "<sop>", EOS: "<eop>", PAD: "<pad>", UNK: "<unk>", GMask: "[gMASK]"}
	if configPath != "" {
		b, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal(b, &sp); err != nil {
			return nil, fmt.Errorf("%s: %w", configPath, err)
		}
	}

	v := tok.Vocabulary()
	lookup := func(piece string) (int32, error) {
		id := v.Encode(piece)
		if id < 0 {
			return 0, fmt.Errorf("chatglm: %w: %q", tokenizer.ErrUnknownToken, piece)
		}

		if int(id) < len(v.Types) {
			v.Types[id] = tokenizer.TypeControl
		}
		return id, nil
	}

	p := &Processor{tok: tok, maxSeqLength: maxSeqLength, maxGenSeqLength: maxGenSeqLength}

	var err error
	if p.bos, err = lookup(sp.BOS); err != nil {
		return nil, err
	}
	if p.eos, err = lookup(sp.EOS); err != nil {
		return nil, err
	}
	if p.gmask, err = lookup(sp.GMask); err != nil {
		return nil, err
	}

	// vocabularies without a pad piece pad with the unknown piece
	if p.pad, err = lookup(sp.PAD); err != nil {
		if p.pad, err = lookup(sp.UNK); err != nil {
			return nil, err
		}
	}

	v.BOS, v.EOS, v.PAD = []int32{p.bos}, []int32{p.eos}, []int32{p.pad}
	return p, nil
}

// NewProcessorFromConfig builds a processor from the core/process/chatglm
// section. vocab_path and tokenizer_path default to the files of the
// pretrained_name entry.
func NewProcessorFromConfig(cfg *config.Config) (*Processor, error) {
	s := cfg.Section(processSection)
	infos, err := pretrainedInfos()
	if err != nil {
		return nil, err
	}

	name := s.String("pretrained_name", defaultPretrainedName)

	ctx := context.Background()
	vocabPath, err := hub.Resolve(ctx, s, "vocab_path", infos, name, "vocab")
	if err != nil {
		return nil, err
	}

	configPath, err := hub.Resolve(ctx, s, "tokenizer_path", infos, name, "tokenizer")
	if err != nil {
		return nil, err
	}

	spm, err := tokenizer.LoadSentencePiece(vocabPath)
	if err != nil {
		return nil, err
	}

	return NewProcessor(spm, configPath, s.Int("max_seq_length", 128), s.Int("max_gen_seq_length", 128))
}

func (p *Processor) Tokenizer() tokenizer.Tokenizer {
	return p.tok
}

func (p *Processor) encode(s string) ([]int32, error) {
	return p.tok.Encode(s, false)
}

// prompt returns text, and text_pair when given, cut to leave room for the
// trailing [gMASK] <sop> pieces of an n wide prompt.
func (p *Processor) prompt(text, pair string, n int) ([]int32, error) {
	ids, err := p.encode(text)
	if err != nil {
		return nil, err
	}

	if pair != "" {
		more, err := p.encode(pair)
		if err != nil {
			return nil, err
		}
		ids = append(ids, more...)
	}

	ids = process.Truncate(ids, max(n-2, 0), false)
	return append(ids, p.gmask, p.bos), nil
}

// answer returns text cut to n-1 ids and closed with the end piece.
func (p *Processor) answer(text string, n int) ([]int32, error) {
	ids, err := p.encode(text)
	if err != nil {
		return nil, err
	}

	ids = process.Truncate(ids, max(n-1, 0), false)
	return append(ids, p.eos), nil
}

func ints(s []int64) (*ml.Tensor, error) {
	return ml.FromInts(s, len(s))
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

	if n < 2 || g < 1 {
		return 0, 0, fmt.Errorf("chatglm: max_seq_length %d and max_gen_seq_length %d are too short", n, g)
	}

	return n, g, nil
}

// Classification returns the left padded prompt of text and text_pair
// with its attention mask and position ids.
func (p *Processor) Classification(_ context.Context, args process.Args) (any, error) {
	text, err := args.String("text")
	if err != nil {
		return nil, err
	}

	pair, err := args.String("text_pair", "")
	if err != nil {
		return nil, err
	}

	n, _, err := p.lengths(args)
	if err != nil {
		return nil, err
	}

	ids, err := p.prompt(text, pair, n)
	if err != nil {
		return nil, err
	}

	inputIDs, mask := process.Pad(ids, n, p.pad, true)
	b, err := process.Tensors([]string{"input_ids", "attention_mask", "position_ids"}, inputIDs, mask, process.Positions(mask))
	if err != nil {
		return nil, err
	}

	return bundle.Inputs(b), nil
}

// sequence joins the prompt of text and the answer text_pair into one
// right padded sequence of n+g ids. The labels at position i predict id
// i+1, and only answer ids count.
func (p *Processor) sequence(args process.Args) (*bundle.Tensors, *bundle.Tensors, error) {
	text, err := args.String("text")
	if err != nil {
		return nil, nil, err
	}

	pair, err := args.String("text_pair", "")
	if err != nil {
		return nil, nil, err
	}

	n, g, err := p.lengths(args)
	if err != nil {
		return nil, nil, err
	}

	prompt, err := p.prompt(text, "", n)
	if err != nil {
		return nil, nil, err
	}

	answer, err := p.answer(pair, g)
	if err != nil {
		return nil, nil, err
	}

	seq := append(prompt, answer...)
	inputIDs, mask := process.Pad(seq, n+g, p.pad, false)

	labels := make([]int64, n+g)
	labelMask := make([]int64, n+g)
	for i := range labels {
		labels[i] = int64(p.pad)
	}
	for i := len(prompt) - 1; i < len(seq)-1; i++ {
		labels[i] = int64(seq[i+1])
		labelMask[i] = 1
	}

	inputs, err := process.Tensors([]string{"input_ids", "attention_mask", "position_ids"}, inputIDs, mask, process.Positions(mask))
	if err != nil {
		return nil, nil, err
	}

	targets, err := process.Tensors([]string{"input_ids_label", "attention_mask_label"}, labels, labelMask)
	if err != nil {
		return nil, nil, err
	}

	return inputs, targets, nil
}

// Pretrain returns the joined sequence of text and text_pair with the
// next token labels of the text_pair part.
func (p *Processor) Pretrain(_ context.Context, args process.Args) (any, error) {
	inputs, targets, err := p.sequence(args)
	if err != nil {
		return nil, err
	}

	b, err := inputs.Add(targets)
	if err != nil {
		return nil, err
	}

	return bundle.Inputs(b), nil
}

// Prompt returns the left padded input ids a generation starts from.
func (p *Processor) Prompt(_ context.Context, args process.Args) (any, error) {
	text, err := args.String("text")
	if err != nil {
		return nil, err
	}

	n, _, err := p.lengths(args)
	if err != nil {
		return nil, err
	}

	ids, err := p.prompt(text, "", n)
	if err != nil {
		return nil, err
	}

	inputIDs, _ := process.Pad(ids, n, p.pad, true)
	b, err := process.Tensors([]string{"input_ids"}, inputIDs)
	if err != nil {
		return nil, err
	}

	return bundle.Inputs(b), nil
}

func (p *Processor) GenerationInputs(ctx context.Context, args process.Args) (any, error) {
	return p.Prompt(ctx, args)
}

// GenerationLabels returns the reference ids of text, closed with the end
// piece and right padded to max_gen_seq_length.
func (p *Processor) GenerationLabels(_ context.Context, args process.Args) (any, error) {
	text, err := args.String("text")
	if err != nil {
		return nil, err
	}

	_, g, err := p.lengths(args)
	if err != nil {
		return nil, err
	}

	ids, err := p.answer(text, g)
	if err != nil {
		return nil, err
	}

	refs, masks := process.Pad(ids, g, p.pad, false)
	r, err := ints(refs)
	if err != nil {
		return nil, err
	}

	m, err := ints(masks)
	if err != nil {
		return nil, err
	}

	return model.GenerationTargets{Refs: r, Masks: m}.Bundle(), nil
}

// Generation returns the inputs and targets of one training example: the
// joined sequence and the labels of its answer.
func (p *Processor) Generation(_ context.Context, args process.Args) (any, error) {
	inputs, targets, err := p.sequence(args)
	if err != nil {
		return nil, err
	}

	refs, _ := targets.Get("input_ids_label")
	masks, _ := targets.Get("attention_mask_label")
	return process.Example{
		Inputs:  bundle.Inputs(inputs),
		Targets: model.GenerationTargets{Refs: refs, Masks: masks}.Bundle(),
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
