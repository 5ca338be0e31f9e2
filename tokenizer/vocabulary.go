package tokenizer

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
)

var ErrUnknownToken = errors.New("unknown token")

type Special int32

const (
	SpecialBOS Special = iota
	SpecialEOS
	SpecialPAD
	SpecialUNK
)

// Token types follow the sentencepiece numbering.
const (
	TypeNormal      int32 = 1
	TypeUnknown     int32 = 2
	TypeControl     int32 = 3
	TypeUserDefined int32 = 4
	TypeUnused      int32 = 5
	TypeByte        int32 = 6
)

type Vocabulary struct {
	Values []string
	Types  []int32
	Scores []float32
	Merges []string

	BOS, EOS, PAD  []int32
	UNK            []int32
	AddBOS, AddEOS bool

	specialOnce sync.Once
	special     []string

	valuesOnce sync.Once
	values     map[string]int32

	mergeOnce sync.Once
	merge     map[string]int32
}

func (v *Vocabulary) Is(id int32, special Special) bool {
	switch special {
	case SpecialBOS:
		return slices.Contains(v.BOS, id)
	case SpecialEOS:
		return slices.Contains(v.EOS, id)
	case SpecialPAD:
		return slices.Contains(v.PAD, id)
	case SpecialUNK:
		return slices.Contains(v.UNK, id)
	default:
		return false
	}
}

func (v *Vocabulary) addSpecials(ids []int32) []int32 {
	if v.AddBOS && len(v.BOS) > 0 {
		if len(ids) > 0 && slices.Contains(v.BOS, ids[0]) {
			slog.Warn("adding bos token to prompt which already has it", "id", v.BOS)
		}

		ids = append([]int32{v.BOS[0]}, ids...)
	}

	if v.AddEOS && len(v.EOS) > 0 {
		if len(ids) > 0 && slices.Contains(v.EOS, ids[len(ids)-1]) {
			slog.Warn("adding eos token to prompt which already has it", "id", v.EOS)
		}

		ids = append(ids, v.EOS[0])
	}

	return ids
}

// Encode returns the id of a single token, or -1.
func (v *Vocabulary) Encode(s string) int32 {
	v.valuesOnce.Do(func() {
		v.values = make(map[string]int32, len(v.Values))
		for i, value := range v.Values {
			v.values[value] = int32(i)
		}
	})

	if id, ok := v.values[s]; ok {
		return id
	}

	return -1
}

func (v *Vocabulary) Decode(id int32) string {
	if id < 0 || int(id) >= len(v.Values) {
		return ""
	}

	return v.Values[id]
}

// unknown returns the id substituted for pieces missing from the vocabulary.
func (v *Vocabulary) unknown() (int32, bool) {
	if len(v.UNK) == 0 {
		return -1, false
	}

	return v.UNK[0], true
}

func (v *Vocabulary) Size() int {
	return len(v.Values)
}

func (v *Vocabulary) SpecialVocabulary() []string {
	v.specialOnce.Do(func() {
		for i := range v.Values {
			if i < len(v.Types) && (v.Types[i] == TypeControl || v.Types[i] == TypeUserDefined) {
				v.special = append(v.special, v.Values[i])
			}
		}

		// longest first so overlapping specials split greedily
		slices.SortStableFunc(v.special, func(a, b string) int { return len(b) - len(a) })
	})

	return v.special
}

// Merge returns the rank of merging left and right, or -1.
func (v *Vocabulary) Merge(left, right string) int {
	v.mergeOnce.Do(func() {
		v.merge = make(map[string]int32, len(v.Merges))
		for i, merge := range v.Merges {
			v.merge[merge] = int32(i)
		}
	})

	if id, ok := v.merge[left+" "+right]; ok {
		return int(id)
	}

	return -1
}
