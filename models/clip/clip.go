// Package clip registers the CLIP processor, classification models and
// inference pipelines. Its tokenizer and image preprocessing are shared
// with the diffusion processors.
package clip

import (
	"context"
	_ "embed"
	"maps"
	"slices"
	"sync"

	"github.com/jmorganca/zoo/config"
	"github.com/jmorganca/zoo/model"
	"github.com/jmorganca/zoo/process"
	"github.com/jmorganca/zoo/registry"
)

const defaultPretrainedName = "default-clip"

//go:embed infos.yaml
var infosYAML []byte

var pretrainedInfos = sync.OnceValues(func() (map[string]any, error) {
	return config.LoadInfos(infosYAML)
})

// Infos returns the URLs of each pretrained name's files, keyed by name.
func Infos() (map[string]any, error) {
	return pretrainedInfos()
}

func PretrainedNames() []string {
	infos, err := pretrainedInfos()
	if err != nil {
		return nil
	}

	return slices.Sorted(maps.Keys(infos))
}

func newModel[M model.Model](cfg *config.Config, section string, build func(c Config, numClasses int) (M, error)) (model.Model, error) {
	infos, err := pretrainedInfos()
	if err != nil {
		return nil, err
	}

	s := cfg.Section(section)
	m, err := model.FromConfig(context.Background(), s, infos, defaultPretrainedName, func(c Config) (M, error) {
		c.ProjectionDim = s.Int("projection_dim", 512)
		return build(c, s.Int("num_classes", 1))
	})
	if err != nil {
		return nil, err
	}

	return m, nil
}

func Register(s *registry.Set) {
	for key, f := range map[string]func(*Processor, context.Context, process.Args) (any, error){
		"core/process/clip/classification":       (*Processor).Classification,
		"core/process/clip/text_classification":  (*Processor).TextClassification,
		"core/process/clip/image_classification": (*Processor).ImageClassification,
	} {
		s.Processes.Register(key, process.Bind(processSection, NewProcessorFromConfig, f))
	}

	s.Models.Register("core/model/classification/clip", func(cfg *config.Config) (model.Model, error) {
		return newModel(cfg, "core/model/classification/clip", NewClassification)
	})
	s.Models.Register("core/model/classification/clip/text", func(cfg *config.Config) (model.Model, error) {
		return newModel(cfg, "core/model/classification/clip/text", NewTextClassification)
	})
	s.Models.Register("core/model/classification/clip/image", func(cfg *config.Config) (model.Model, error) {
		return newModel(cfg, "core/model/classification/clip/image", NewImageClassification)
	})

	s.Pipelines.Register("core/pipeline/clip", func(cfg *config.Config) (registry.Pipeline, error) {
		return newPipeline(cfg, "core/pipeline/clip", true, true, NewClassification, (*Processor).Classification)
	})
	s.Pipelines.Register("core/pipeline/clip/text", func(cfg *config.Config) (registry.Pipeline, error) {
		return newPipeline(cfg, "core/pipeline/clip/text", true, false, NewTextClassification, (*Processor).TextClassification)
	})
	s.Pipelines.Register("core/pipeline/clip/image", func(cfg *config.Config) (registry.Pipeline, error) {
		return newPipeline(cfg, "core/pipeline/clip/image", false, true, NewImageClassification, (*Processor).ImageClassification)
	})
}
