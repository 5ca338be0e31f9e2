// Package models registers every model family.
package models

import (
	"github.com/jmorganca/zoo/models/chatglm"
	"github.com/jmorganca/zoo/models/clip"
	"github.com/jmorganca/zoo/models/diffusers"
	"github.com/jmorganca/zoo/models/minigpt4"
	"github.com/jmorganca/zoo/models/prophetnet"
	"github.com/jmorganca/zoo/registry"
)

// Family is a model family with its pretrained names.
type Family struct {
	Name            string
	Register        func(*registry.Set)
	PretrainedNames func() []string
	Infos           func() (map[string]any, error)
}

var Families = []Family{
	{"chatglm", chatglm.Register, chatglm.PretrainedNames, chatglm.Infos},
	{"clip", clip.Register, clip.PretrainedNames, clip.Infos},
	{"diffusers", diffusers.Register, diffusers.PretrainedNames, diffusers.Infos},
	{"minigpt4", minigpt4.Register, minigpt4.PretrainedNames, minigpt4.Infos},
	{"prophetnet", prophetnet.Register, prophetnet.PretrainedNames, prophetnet.Infos},
}

// Lookup returns the family called name.
func Lookup(name string) (Family, bool) {
	for _, f := range Families {
		if f.Name == name {
			return f, true
		}
	}
	return Family{}, false
}

// Register adds the processes, models and pipelines of every family to s.
func Register(s *registry.Set) {
	for _, f := range Families {
		f.Register(s)
	}
}
