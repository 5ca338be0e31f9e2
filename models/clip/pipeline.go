package clip

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cast"

	"github.com/jmorganca/zoo/bundle"
	"github.com/jmorganca/zoo/config"
	"github.com/jmorganca/zoo/ml"
	"github.com/jmorganca/zoo/model"
	"github.com/jmorganca/zoo/process"
	"github.com/jmorganca/zoo/registry"
	"github.com/jmorganca/zoo/writer"
)

type classifier interface {
	model.Model
	model.Forwarder
}

// Result is the top class of a classification pipeline with its softmax
// score. Label is set when the pipeline has an id2label table.
type Result struct {
	Class int     `json:"class"`
	Label string  `json:"label,omitempty"`
	Score float32 `json:"score"`
}

func (r Result) Table() (*writer.Table, error) {
	t := writer.NewTable("class", "label", "score")
	if err := t.Append(r.Class, r.Label, r.Score); err != nil {
		return nil, err
	}
	return t, nil
}

// Pipeline runs one classification model end to end: preprocessing,
// a batch of one through the model and the top class.
type Pipeline struct {
	section config.Section
	model   classifier
	process func(*Processor, context.Context, process.Args) (any, error)
	proc    *Processor

	id2label map[string]string
	device   string
}

func (p *Pipeline) Model() model.Model {
	return p.model
}

func (p *Pipeline) Call(ctx context.Context, args process.Args) (any, error) {
	out, err := p.process(p.proc, ctx, args.WithDefaults(p.section))
	if err != nil {
		return nil, err
	}

	inputs, ok := out.(*bundle.Tensors)
	if !ok {
		return nil, fmt.Errorf("clip: unexpected %T from preprocessing", out)
	}

	if inputs, err = bundle.Stack(0, inputs); err != nil {
		return nil, err
	}

	if inputs, err = inputs.To(p.device, true); err != nil {
		return nil, err
	}

	outputs, err := p.model.Forward(ctx, inputs)
	if err != nil {
		return nil, err
	}

	logits, err := outputs.Require("outputs")
	if err != nil {
		return nil, err
	}

	scores, err := ml.Softmax(logits).Index(0, 0)
	if err != nil {
		return nil, err
	}

	class, err := ml.Argmax(scores)
	if err != nil {
		return nil, err
	}

	r := Result{Class: int(class.Ints()[0]), Score: ml.Max(scores).Item()}
	if p.id2label != nil {
		r.Label = p.id2label[strconv.Itoa(r.Class)]
	}

	return r, nil
}

// newPipeline builds the pipeline of section: the model from config_path
// with projection_dim and num_classes, its pretrained weights, and a
// processor for the towers it uses.
func newPipeline[M classifier](
	cfg *config.Config,
	section string,
	text, vision bool,
	build func(c Config, numClasses int) (M, error),
	call func(*Processor, context.Context, process.Args) (any, error),
) (registry.Pipeline, error) {
	s := cfg.Section(section)
	ctx := context.Background()
	name := s.String("pretrained_name", defaultPretrainedName)

	infos, err := pretrainedInfos()
	if err != nil {
		return nil, err
	}

	r, err := resolve(ctx, s, name, text, vision)
	if err != nil {
		return nil, err
	}

	m, err := model.FromConfig(ctx, s, infos, defaultPretrainedName, func(c Config) (M, error) {
		c.ProjectionDim = s.Int("projection_dim", 512)
		return build(c, s.Int("num_classes", 1))
	})
	if err != nil {
		return nil, err
	}

	device := s.String("device", ml.CPU)
	if err := m.To(device); err != nil {
		return nil, err
	}
	m.Eval()

	p := &Pipeline{
		section: s,
		model:   m,
		process: call,
		proc:    NewProcessor(r.tok, r.vision, s.Int("max_seq_length", 512)),
		device:  device,
	}

	if v := s.Get("id2label"); v != nil {
		if p.id2label, err = cast.ToStringMapStringE(v); err != nil {
			return nil, fmt.Errorf("%s id2label: %w", section, err)
		}
	}

	return p, nil
}
