// Package tokenizer turns text into token ids and back.
package tokenizer

type Tokenizer interface {
	Encode(s string, addSpecial bool) ([]int32, error)
	Decode(ids []int32) (string, error)
	Is(id int32, special Special) bool
	Vocabulary() *Vocabulary
}

// fragment is a string fragment and their corresponding token IDs
type fragment struct {
	value string
	ids   []int32
}

// merge is one symbol of a word being merged, linked to its neighbours
type merge struct {
	p, n   int
	symbol string
}

func newMerges(symbols []string) []merge {
	merges := make([]merge, len(symbols))
	for i, s := range symbols {
		merges[i] = merge{p: i - 1, n: i + 1, symbol: s}
	}

	return merges
}

// DecodeText decodes generated ids as plain text. Decoding stops at the
// first end token past the leading one, which encoder-decoder models use
// to start decoding. Control and unknown pieces are dropped.
func DecodeText(t Tokenizer, ids []int32) (string, error) {
	types := t.Vocabulary().Types
	kept := make([]int32, 0, len(ids))
	for i, id := range ids {
		if t.Is(id, SpecialEOS) {
			if i == 0 {
				continue
			}
			break
		}

		if id >= 0 && int(id) < len(types) && (types[id] == TypeControl || types[id] == TypeUnknown) {
			continue
		}

		kept = append(kept, id)
	}

	return t.Decode(kept)
}
