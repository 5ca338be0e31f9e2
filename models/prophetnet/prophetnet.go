// Package prophetnet registers the ProphetNet sequence to sequence model
// and its processor.
package prophetnet

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

const defaultPretrainedName = "default-prophetnet"

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

func Register(s *registry.Set) {
	for key, f := range map[string]func(*Processor, context.Context, process.Args) (any, error){
		"core/process/prophetnet/generation/inputs": (*Processor).GenerationInputs,
		"core/process/prophetnet/generation/labels": (*Processor).GenerationLabels,
		"core/process/prophetnet/generation":        (*Processor).Generation,
		"core/postprocess/prophetnet/detokenize":    (*Processor).Detokenize,
	} {
		s.Processes.Register(key, process.Bind(processSection, NewProcessorFromConfig, f))
	}

	s.Models.Register("core/model/generation/prophetnet", func(cfg *config.Config) (model.Model, error) {
		infos, err := pretrainedInfos()
		if err != nil {
			return nil, err
		}

		section := cfg.Section("core/model/generation/prophetnet")
		m, err := model.FromConfig(context.Background(), section, infos, defaultPretrainedName, func(c Config) (*Generation, error) {
			if c.Ngram == 0 {
				c.Ngram = section.Int("ngram", 2)
			}
			return NewGeneration(c)
		})
		if err != nil {
			return nil, err
		}

		return m, nil
	})
}
