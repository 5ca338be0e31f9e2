// Package minigpt4 registers the MiniGPT-4 processor, which pairs a
// llama sentencepiece tokenizer with ViT image preprocessing.
package minigpt4

import (
	"context"
	_ "embed"
	"maps"
	"slices"
	"sync"

	"github.com/jmorganca/zoo/config"
	"github.com/jmorganca/zoo/process"
	"github.com/jmorganca/zoo/registry"
)

const defaultPretrainedName = "default-minigpt4"

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
		"core/process/minigpt4/prompt":            (*Processor).Prompt,
		"core/process/minigpt4/generation/inputs": (*Processor).GenerationInputs,
		"core/process/minigpt4/generation/labels": (*Processor).GenerationLabels,
		"core/process/minigpt4/generation":        (*Processor).Generation,
		"core/postprocess/minigpt4/detokenize":    (*Processor).Detokenize,
	} {
		s.Processes.Register(key, process.Bind(processSection, NewProcessorFromConfig, f))
	}
}
