package tokenizer

import (
	"cmp"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"

	"github.com/dlclark/regexp2"
	heap "github.com/emirpasic/gods/v2/trees/binaryheap"
	"golang.org/x/text/unicode/norm"

	"github.com/jmorganca/zoo/logutil"
)

// DefaultPretokenizer is the GPT-2 byte-level split.
const DefaultPretokenizer = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

// CLIPPretokenizer splits the way the CLIP text tower was trained.
const CLIPPretokenizer = `<\|startoftext\|>|<\|endoftext\|>|'s|'t|'re|'ve|'m|'ll|'d|[\p{L}]+|[\p{N}]|[^\s\p{L}\p{N}]+`

var byteEncoder, byteDecoder = byteTables()

// byteTables maps every byte to a printable rune so merges never see
// whitespace or control characters.
func byteTables() ([256]rune, map[rune]byte) {
	var enc [256]rune
	dec := make(map[rune]byte, 256)

	n := 0
	for b := range 256 {
		r := rune(b)
		switch {
		case r >= '!' && r <= '~', r >= 0xa1 && r <= 0xac, r >= 0xae && r <= 0xff:
		default:
			r = rune(256 + n)
			n++
		}

		enc[b] = r
		dec[r] = byte(b)
	}

	return enc, dec
}

type BPEOptions struct {
	Pretokenizers []string

	// Lowercase folds input before splitting.
	Lowercase bool

	// EndOfWord is appended to the last symbol of every word, as in "</w>".
	EndOfWord string
}

type BytePairEncoding struct {
	vocab   *Vocabulary
	regexps []*regexp2.Regexp
	opts    BPEOptions
}

var _ Tokenizer = (*BytePairEncoding)(nil)

func NewBytePairEncoding(vocab *Vocabulary, opts BPEOptions) *BytePairEncoding {
	pretokenizers := opts.Pretokenizers
	if len(pretokenizers) == 0 {
		pretokenizers = []string{DefaultPretokenizer}
	}

	return &BytePairEncoding{
		vocab: vocab,
		opts:  opts,
		regexps: slices.Collect(func(yield func(*regexp2.Regexp) bool) {
			for _, p := range pretokenizers {
				if !yield(regexp2.MustCompile(p, regexp2.RE2)) {
					return
				}
			}
		}),
	}
}

func (bpe *BytePairEncoding) Vocabulary() *Vocabulary {
	return bpe.vocab
}

func (bpe *BytePairEncoding) Is(id int32, special Special) bool {
	return bpe.vocab.Is(id, special)
}

func (bpe *BytePairEncoding) split(s string) iter.Seq[string] {
	parts := []string{s}
	for _, re := range bpe.regexps {
		parts = slices.Collect(func(yield func(string) bool) {
			for _, part := range parts {
				r := []rune(part)
				var offset int
				for m, _ := re.FindRunesMatch(r); m != nil; m, _ = re.FindNextMatch(m) {
					if m.Index > offset {
						if !yield(string(r[offset:m.Index])) {
							return
						}
					}

					if !yield(m.String()) {
						return
					}

					offset = m.Index + m.Length
				}

				if offset < len(r) {
					if !yield(string(r[offset:])) {
						return
					}
				}
			}
		})
	}

	return func(yield func(string) bool) {
		for _, part := range parts {
			if bpe.opts.EndOfWord != "" {
				// word-level vocabularies never carry whitespace
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
			}

			if !yield(part) {
				return
			}
		}
	}
}

// pair is a pair of adjacent symbols and its rank
type pair struct {
	a, b  int
	rank  int
	value string
}

func (bpe *BytePairEncoding) Encode(s string, addSpecial bool) ([]int32, error) {
	s = norm.NFC.String(s)
	if bpe.opts.Lowercase {
		s = strings.ToLower(s)
	}

	var ids []int32
	for _, frag := range splitSpecialTokens(s, bpe.vocab) {
		if len(frag.ids) > 0 {
			ids = append(ids, frag.ids...)
			continue
		}

		for split := range bpe.split(frag.value) {
			symbols := make([]string, 0, len(split))
			for _, b := range []byte(split) {
				symbols = append(symbols, string(byteEncoder[b]))
			}

			if len(symbols) == 0 {
				continue
			}

			if bpe.opts.EndOfWord != "" {
				symbols[len(symbols)-1] += bpe.opts.EndOfWord
			}

			// short circuit if the whole word is in the vocabulary
			if id := bpe.vocab.Encode(strings.Join(symbols, "")); id >= 0 {
				ids = append(ids, id)
				continue
			}

			merges := newMerges(symbols)
			pairwise := func(a, b int) *pair {
				if a < 0 || b >= len(merges) {
					return nil
				}

				left, right := merges[a].symbol, merges[b].symbol
				rank := bpe.vocab.Merge(left, right)
				if rank < 0 {
					return nil
				}

				return &pair{a: a, b: b, rank: rank, value: left + right}
			}

			pairs := heap.NewWith(func(i, j *pair) int {
				if c := cmp.Compare(i.rank, j.rank); c != 0 {
					return c
				}
				return cmp.Compare(i.a, j.a)
			})

			for i := range len(merges) - 1 {
				if pair := pairwise(i, i+1); pair != nil {
					pairs.Push(pair)
				}
			}

			for !pairs.Empty() {
				pair, _ := pairs.Pop()

				left, right := merges[pair.a], merges[pair.b]
				if left.symbol == "" || right.symbol == "" || left.n != pair.b ||
					left.symbol+right.symbol != pair.value {
					continue
				}

				merges[pair.a].symbol = pair.value
				merges[pair.b].symbol = ""

				merges[pair.a].n = right.n
				if right.n < len(merges) {
					merges[right.n].p = pair.a
				}

				if pair := pairwise(merges[pair.a].p, pair.a); pair != nil {
					pairs.Push(pair)
				}

				if pair := pairwise(pair.a, merges[pair.a].n); pair != nil {
					pairs.Push(pair)
				}
			}

			for _, merge := range merges {
				if merge.symbol == "" {
					continue
				}

				id := bpe.vocab.Encode(merge.symbol)
				if id < 0 {
					unk, ok := bpe.vocab.unknown()
					if !ok {
						return nil, fmt.Errorf("%w: %q", ErrUnknownToken, merge.symbol)
					}
					id = unk
				}

				ids = append(ids, id)
			}
		}
	}

	if addSpecial {
		ids = bpe.vocab.addSpecials(ids)
	}

	logutil.Trace("encoded", "string", s, "ids", lazyIdsString{ids: ids})
	return ids, nil
}

type lazyIdsString struct {
	ids []int32
}

func (l lazyIdsString) LogValue() slog.Value {
	return slog.AnyValue(fmt.Sprint(l.ids))
}

func (bpe *BytePairEncoding) Decode(ids []int32) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || int(id) >= bpe.vocab.Size() {
			return "", fmt.Errorf("%w: id %d", ErrUnknownToken, id)
		}

		piece := bpe.vocab.Decode(id)
		if bpe.vocab.Types != nil && bpe.vocab.Types[id] == TypeControl {
			sb.WriteString(piece)
			continue
		}

		if bpe.opts.EndOfWord != "" {
			piece = strings.ReplaceAll(piece, bpe.opts.EndOfWord, " ")
		}

		for _, r := range piece {
			b, ok := byteDecoder[r]
			if !ok {
				sb.WriteRune(r)
				continue
			}

			// NOTE: not using WriteRune here because it writes the UTF-8
			// encoding of the rune which is _not_ what we want
			if err := sb.WriteByte(b); err != nil {
				return "", err
			}
		}
	}

	s := sb.String()
	if bpe.opts.EndOfWord != "" {
		s = strings.TrimSpace(s)
	}

	logutil.Trace("decoded", "string", s, "from", lazyIdsString{ids: ids})
	return s, nil
}
