package tokenizer

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
)

// Specials names the special pieces of a vocabulary by content.
type Specials struct {
	BOS, EOS, PAD, UNK string
	AddBOS, AddEOS     bool

	// Extra pieces that are never split, such as image placeholders.
	Extra []string
}

func (s Specials) apply(v *Vocabulary) error {
	if len(v.Types) != len(v.Values) {
		v.Types = slices.Repeat([]int32{TypeNormal}, len(v.Values))
	}

	lookup := func(piece string, typ int32) ([]int32, error) {
		if piece == "" {
			return nil, nil
		}

		id := v.Encode(piece)
		if id < 0 {
			return nil, fmt.Errorf("%w: special %q", ErrUnknownToken, piece)
		}

		v.Types[id] = typ
		return []int32{id}, nil
	}

	var errs []error
	var err error
	v.BOS, err = lookup(s.BOS, TypeControl)
	errs = append(errs, err)
	v.EOS, err = lookup(s.EOS, TypeControl)
	errs = append(errs, err)
	v.PAD, err = lookup(s.PAD, TypeControl)
	errs = append(errs, err)
	v.UNK, err = lookup(s.UNK, TypeUnknown)
	errs = append(errs, err)
	for _, extra := range s.Extra {
		_, err = lookup(extra, TypeUserDefined)
		errs = append(errs, err)
	}

	v.AddBOS, v.AddEOS = s.AddBOS, s.AddEOS
	return errors.Join(errs...)
}

func vocabularyFromMap(m map[string]int32) *Vocabulary {
	size := 0
	for _, id := range m {
		size = max(size, int(id)+1)
	}

	v := &Vocabulary{Values: make([]string, size)}
	for piece, id := range m {
		if id >= 0 {
			v.Values[id] = piece
		}
	}

	return v
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	return lines, scanner.Err()
}

// LoadBPE reads a vocab.json and merges.txt pair.
func LoadBPE(vocabPath, mergesPath string, specials Specials, opts BPEOptions) (*BytePairEncoding, error) {
	b, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, err
	}

	var m map[string]int32
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%s: %w", vocabPath, err)
	}

	lines, err := readLines(mergesPath)
	if err != nil {
		return nil, err
	}

	v := vocabularyFromMap(m)
	for _, line := range lines {
		if line == "" || strings.HasPrefix(line, "#version") {
			continue
		}
		v.Merges = append(v.Merges, line)
	}

	if err := specials.apply(v); err != nil {
		return nil, err
	}

	return NewBytePairEncoding(v, opts), nil
}

// LoadWordPiece reads a vocab.txt with one piece per line.
func LoadWordPiece(vocabPath string, specials Specials, lowercase bool) (*WordPiece, error) {
	lines, err := readLines(vocabPath)
	if err != nil {
		return nil, err
	}

	v := &Vocabulary{Values: lines}
	if err := specials.apply(v); err != nil {
		return nil, err
	}

	return NewWordPiece(v, lowercase), nil
}

type tokenizerFile struct {
	Model struct {
		Type   string            `json:"type"`
		Vocab  map[string]int32  `json:"vocab"`
		Merges []json.RawMessage `json:"merges"`
	} `json:"model"`

	AddedTokens []struct {
		ID      int32  `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

// LoadTokenizerJSON reads the BPE model of a tokenizer.json file.
func LoadTokenizerJSON(path string, specials Specials, opts BPEOptions) (*BytePairEncoding, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var tf tokenizerFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if tf.Model.Type != "BPE" {
		return nil, fmt.Errorf("%s: unsupported tokenizer model %q", path, tf.Model.Type)
	}

	m := tf.Model.Vocab
	if m == nil {
		m = make(map[string]int32)
	}
	for _, t := range tf.AddedTokens {
		m[t.Content] = t.ID
	}

	v := vocabularyFromMap(m)
	for _, raw := range tf.Model.Merges {
		// merges are either "a b" strings or ["a", "b"] pairs
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			v.Merges = append(v.Merges, s)
			continue
		}

		var pair []string
		if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
			return nil, fmt.Errorf("%s: invalid merge %s", path, raw)
		}
		v.Merges = append(v.Merges, pair[0]+" "+pair[1])
	}

	if err := specials.apply(v); err != nil {
		return nil, err
	}

	for _, t := range tf.AddedTokens {
		if t.Special && v.Types[t.ID] == TypeNormal {
			v.Types[t.ID] = TypeControl
		}
	}

	return NewBytePairEncoding(v, opts), nil
}
