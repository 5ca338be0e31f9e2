package tokenizer

import (
	"fmt"
	"iter"
	"strings"
	"unicode"

	"github.com/jmorganca/zoo/logutil"
)

// continuation marks a piece that extends the previous one.
const continuation = "##"

// WordPiece is the greedy longest-match tokenizer of BERT style
// vocabularies, used by the ProphetNet family.
type WordPiece struct {
	vocab     *Vocabulary
	lowercase bool
}

var _ Tokenizer = (*WordPiece)(nil)

func NewWordPiece(vocab *Vocabulary, lowercase bool) *WordPiece {
	return &WordPiece{vocab: vocab, lowercase: lowercase}
}

var wordPieceReplacer = strings.NewReplacer(
	" .", ".",
	" ?", "?",
	" !", "!",
	" ,", ",",
	" ' ", "'",
	" n't", "n't",
	" 'm", "'m",
	" 's", "'s",
	" 've", "'ve",
	" 're", "'re",
)

func (wpm *WordPiece) Decode(ids []int32) (string, error) {
	var sb strings.Builder
	for i, id := range ids {
		if id < 0 || int(id) >= len(wpm.vocab.Values) {
			return "", fmt.Errorf("%w: id %d", ErrUnknownToken, id)
		}

		piece := wpm.vocab.Values[id]
		if rest, ok := strings.CutPrefix(piece, continuation); ok {
			sb.WriteString(rest)
			continue
		}

		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(piece)
	}

	return wordPieceReplacer.Replace(sb.String()), nil
}

// words splits a string into words, treating CJK characters as separate words.
func (wpm *WordPiece) words(s string) iter.Seq[string] {
	return func(yield func(string) bool) {
		runes := make([]rune, 0, len(s)*3)
		for _, r := range s {
			switch {
			case r >= 0x4E00 && r <= 0x9FFF,
				r >= 0x3400 && r <= 0x4DBF,
				r >= 0x20000 && r <= 0x2A6DF,
				r >= 0x2A700 && r <= 0x2B73F,
				r >= 0x2B740 && r <= 0x2B81F,
				r >= 0x2B820 && r <= 0x2CEAF,
				r >= 0xF900 && r <= 0xFAFF,
				r >= 0x2F800 && r <= 0x2FA1F:
				runes = append(runes, ' ', r, ' ')
			default:
				runes = append(runes, r)
			}
		}

		for _, w := range strings.FieldsFunc(string(runes), unicode.IsSpace) {
			// split on but keep punctuation
			var start int
			for start < len(w) {
				end := strings.IndexFunc(w[start:], unicode.IsPunct)
				if end < 0 {
					end = len(w) - start
				} else if end == 0 {
					end = 1
				}

				if !yield(w[start : start+end]) {
					return
				}

				start += end
			}
		}
	}
}

func (wpm *WordPiece) Encode(s string, addSpecial bool) ([]int32, error) {
	unk, hasUnk := wpm.vocab.unknown()

	var ids []int32
	for _, frag := range splitSpecialTokens(s, wpm.vocab) {
		if len(frag.ids) > 0 {
			ids = append(ids, frag.ids...)
			continue
		}

		value := frag.value
		if wpm.lowercase {
			value = strings.ToLower(value)
		}

		for word := range wpm.words(value) {
			var start int
			var pieces []int32
			for start < len(word) {
				end := len(word)

				piece := int32(-1)
				for start < end {
					subword := word[start:end]
					if start > 0 {
						subword = continuation + subword
					}

					if piece = wpm.vocab.Encode(subword); piece >= 0 {
						break
					}

					end--
				}

				if piece < 0 {
					pieces = pieces[:0]
					break
				}

				pieces = append(pieces, piece)
				start = end
			}

			switch {
			case len(pieces) > 0:
				ids = append(ids, pieces...)
			case hasUnk:
				ids = append(ids, unk)
			default:
				return nil, fmt.Errorf("%w: %q", ErrUnknownToken, word)
			}
		}
	}

	if addSpecial {
		ids = wpm.vocab.addSpecials(ids)
	}

	logutil.Trace("encoded", "string", s, "ids", lazyIdsString{ids: ids})
	return ids, nil
}

func (wpm *WordPiece) Is(id int32, special Special) bool {
	return wpm.vocab.Is(id, special)
}

func (wpm *WordPiece) Vocabulary() *Vocabulary {
	return wpm.vocab
}
