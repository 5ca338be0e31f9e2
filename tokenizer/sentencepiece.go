package tokenizer

import (
	"container/heap"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/jmorganca/zoo/logutil"
)

const spmWhitespaceSep = "▁"

type SentencePiece struct {
	vocab *Vocabulary

	// addDummyPrefix prepends a separator so the first word matches
	// pieces seen mid-sentence.
	addDummyPrefix bool
}

var _ Tokenizer = (*SentencePiece)(nil)

func NewSentencePiece(vocab *Vocabulary, addDummyPrefix bool) *SentencePiece {
	counter := map[int32]int{}
	for _, t := range vocab.Types {
		counter[t]++
	}

	logutil.Trace("token counts", "normal", counter[TypeNormal], "unknown", counter[TypeUnknown], "control", counter[TypeControl],
		"user defined", counter[TypeUserDefined], "unused", counter[TypeUnused], "byte", counter[TypeByte])

	return &SentencePiece{vocab: vocab, addDummyPrefix: addDummyPrefix}
}

func (spm *SentencePiece) Vocabulary() *Vocabulary {
	return spm.vocab
}

func (spm *SentencePiece) Is(id int32, special Special) bool {
	return spm.vocab.Is(id, special)
}

func (spm *SentencePiece) score(id int32) float32 {
	if int(id) < len(spm.vocab.Scores) {
		return spm.vocab.Scores[id]
	}

	return 0
}

func (spm *SentencePiece) Encode(s string, addSpecial bool) ([]int32, error) {
	s = norm.NFKC.String(s)

	var ids []int32
	for i, frag := range splitSpecialTokens(s, spm.vocab) {
		if len(frag.ids) > 0 {
			ids = append(ids, frag.ids...)
			continue
		}

		text := frag.value
		if spm.addDummyPrefix && i == 0 && !strings.HasPrefix(text, " ") {
			text = " " + text
		}
		text = strings.ReplaceAll(text, " ", spmWhitespaceSep)

		if id := spm.vocab.Encode(text); id >= 0 {
			ids = append(ids, id)
			continue
		}

		q := &queue{}
		heap.Init(q)

		runes := []rune(text)
		symbols := make([]string, len(runes))
		for i, r := range runes {
			symbols[i] = string(r)
		}
		merges := newMerges(symbols)

		pairwise := func(a, b int) *candidate {
			if a < 0 || b >= len(merges) {
				return nil
			}

			left, right := merges[a].symbol, merges[b].symbol
			if id := spm.vocab.Encode(left + right); id >= 0 {
				return &candidate{
					a:     a,
					b:     b,
					score: spm.score(id),
					size:  len(left) + len(right),
				}
			}

			return nil
		}

		for i := range len(merges) - 1 {
			if pair := pairwise(i, i+1); pair != nil {
				heap.Push(q, pair)
			}
		}

		for q.Len() > 0 {
			pair := heap.Pop(q).(*candidate)
			left, right := merges[pair.a], merges[pair.b]

			if left.symbol == "" || right.symbol == "" || left.n != pair.b || len(left.symbol)+len(right.symbol) != pair.size {
				continue
			}

			merges[pair.a].symbol = left.symbol + right.symbol
			merges[pair.b].symbol = ""
			merges[pair.a].n = right.n
			if right.n < len(merges) {
				merges[right.n].p = pair.a
			}

			if pair := pairwise(merges[pair.a].p, pair.a); pair != nil {
				heap.Push(q, pair)
			}

			if pair := pairwise(pair.a, merges[pair.a].n); pair != nil {
				heap.Push(q, pair)
			}
		}

		for _, merge := range merges {
			token := merge.symbol
			if token == "" {
				continue
			}

			if id := spm.vocab.Encode(token); id >= 0 {
				ids = append(ids, id)
				continue
			}

			// fall back to byte pieces, then to the unknown piece
			for _, b := range []byte(token) {
				byteToken := fmt.Sprintf("<0x%02X>", b)
				if id := spm.vocab.Encode(byteToken); id >= 0 {
					ids = append(ids, id)
					continue
				}

				unk, ok := spm.vocab.unknown()
				if !ok {
					return nil, fmt.Errorf("%w: %q", ErrUnknownToken, token)
				}

				slog.Debug("unknown byte token", "byte", b, "token", byteToken)
				ids = append(ids, unk)
				break
			}
		}
	}

	if addSpecial {
		ids = spm.vocab.addSpecials(ids)
	}

	logutil.Trace("encoded", "string", s, "ids", lazyIdsString{ids: ids})
	return ids, nil
}

type candidate struct {
	a, b  int
	score float32
	size  int
}

type queue []*candidate

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	return (q[i].score > q[j].score) || (q[i].score == q[j].score && q[i].a < q[j].a)
}

func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *queue) Push(x any) {
	*q = append(*q, x.(*candidate))
}

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[0 : n-1]
	return item
}

func (spm *SentencePiece) Decode(ids []int32) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || int(id) >= spm.vocab.Size() {
			return "", fmt.Errorf("%w: id %d", ErrUnknownToken, id)
		}

		data := spm.vocab.Decode(id)
		data = strings.ReplaceAll(data, spmWhitespaceSep, " ")

		// byte pieces such as "<0xEA>" carry partial utf-8 sequences
		if len(data) == 6 && strings.HasPrefix(data, "<0x") && strings.HasSuffix(data, ">") {
			byteVal, err := strconv.ParseUint(data[1:5], 0, 8)
			if err != nil {
				return "", fmt.Errorf("failed to parse hex byte: %v", err)
			}

			if err := sb.WriteByte(byte(byteVal)); err != nil {
				return "", err
			}
			continue
		}

		sb.WriteString(data)
	}

	s := sb.String()
	if spm.addDummyPrefix {
		s = strings.TrimPrefix(s, " ")
	}

	logutil.Trace("decoded", "ids", lazyIdsString{ids: ids}, "string", s)
	return s, nil
}
