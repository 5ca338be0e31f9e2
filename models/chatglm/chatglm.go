// Package chatglm registers the ChatGLM processor and its classification,
// pretraining and generation models.
package chatglm

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

const defaultPretrainedName = "default-chatglm"

//go:embed infos.yaml
var infosYAML []byte

var pretrainedInfos = sync.OnceValues(func() (map[string]any, error) {
	return config.LoadInfos(infosYAML)
})

// Infos returns the URLs of each pretrained name's files, keyed by name.
func Infos() (map[string]any, error) {
	return pretrainedInfos()
}

// PretrainedNames lists the names of the pretrained infos table.
func PretrainedNames() []string {
	infos, err := pretrainedInfos()
	if err != nil {
		return nil
	}

	return slices.Sorted(maps.Keys(infos))
}

func newModel[M model.Model](cfg *config.Config, section string, build func(s config.Section, c Config) (M, error)) (model.Model, error) {
	infos, err := pretrainedInfos()
	if err != nil {
		return nil, err
	}

	s := cfg.Section(section)
	m, err := model.FromConfig(context.Background(), s, infos, defaultPretrainedName, func(c Config) (M, error) {
		return build(s, c)
	})
	if err != nil {
		return nil, err
	}

	return m, nil
}

func Register(s *registry.Set) {
	for key, f := range map[string]func(*Processor, context.Context, process.Args) (any, error){
		"core/process/chatglm/classification":    (*Processor).Classification,
		"core/process/chatglm/pretrain":          (*Processor).Pretrain,
		"core/process/chatglm/prompt":            (*Processor).Prompt,
		"core/process/chatglm/generation/inputs": (*Processor).GenerationInputs,
		"core/process/chatglm/generation/labels": (*Processor).GenerationLabels,
		"core/process/chatglm/generation":        (*Processor).Generation,
		"core/postprocess/chatglm/detokenize":    (*Processor).Detokenize,
	} {
		s.Processes.Register(key, process.Bind(processSection, NewProcessorFromConfig, f))
	}

	s.Models.Register("core/model/classification/chatglm", func(cfg *config.Config) (model.Model, error) {
		return newModel(cfg, "core/model/classification/chatglm", func(s config.Section, c Config) (*Classification, error) {
			return NewClassification(c, s.Int("num_classes", 1), s.Float("hidden_dropout_prob", 0.1))
		})
	})

	s.Models.Register("core/model/pretrain/chatglm", func(cfg *config.Config) (model.Model, error) {
		return newModel(cfg, "core/model/pretrain/chatglm", func(_ config.Section, c Config) (*Pretrain, error) {
			return NewPretrain(c)
		})
	})

	s.Models.Register("core/model/generation/chatglm", func(cfg *config.Config) (model.Model, error) {
		return newModel(cfg, "core/model/generation/chatglm", func(_ config.Section, c Config) (*Generation, error) {
			return NewGeneration(c)
		})
	})
}
