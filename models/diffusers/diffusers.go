// Package diffusers registers the Stable Diffusion and Stable Diffusion XL
// processors and the postprocess that saves generated images.
package diffusers

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
	for key, f := range map[string]func(*StableProcessor, context.Context, process.Args) (any, error){
		"core/process/diffusers/stable/text2image":         (*StableProcessor).Text2Image,
		"core/process/diffusers/stable/text2image/inputs":  (*StableProcessor).Text2ImageInputs,
		"core/process/diffusers/stable/image2image/inputs": (*StableProcessor).Image2ImageInputs,
		"core/process/diffusers/stable/inpainting/inputs":  (*StableProcessor).InpaintingInputs,
		"core/process/diffusers/stable/resolution/inputs":  (*StableProcessor).ResolutionInputs,
	} {
		s.Processes.Register(key, process.Bind(stableSection, NewStableProcessorFromConfig, f))
	}

	for key, f := range map[string]func(*StableXLProcessor, context.Context, process.Args) (any, error){
		"core/process/diffusers/stable_xl/text2image":         (*StableXLProcessor).Text2Image,
		"core/process/diffusers/stable_xl/text2image/inputs":  (*StableXLProcessor).Text2ImageInputs,
		"core/process/diffusers/stable_xl/image2image/inputs": (*StableXLProcessor).Image2ImageInputs,
		"core/process/diffusers/stable_xl/inpainting/inputs":  (*StableXLProcessor).InpaintingInputs,
	} {
		s.Processes.Register(key, process.Bind(stableXLSection, NewStableXLProcessorFromConfig, f))
	}

	s.Processes.Register(imageSection, process.Bind(imageSection, NewImageWriterFromConfig, (*ImageWriter).Write))
}
