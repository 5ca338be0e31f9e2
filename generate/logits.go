package generate

import (
	"cmp"
	"math"
	"math/rand/v2"
	"slices"
)

var negInf = float32(math.Inf(-1))

// process applies the penalties that do not depend on the decoding
// strategy to the next-token logits of seq, in place.
func (o Options) process(logits []float32, seq []int32, minLength int) {
	if o.RepetitionPenalty != 1 {
		p := float32(o.RepetitionPenalty)
		seen := make(map[int32]bool, len(seq))
		for _, id := range seq {
			if seen[id] || int(id) >= len(logits) || id < 0 {
				continue
			}
			seen[id] = true

			if logits[id] < 0 {
				logits[id] *= p
			} else {
				logits[id] /= p
			}
		}
	}

	if n := o.NoRepeatNgramSize; n > 0 && len(seq) >= n {
		prefix := seq[len(seq)-n+1:]
		for i := 0; i+n <= len(seq); i++ {
			if slices.Equal(seq[i:i+n-1], prefix) {
				if banned := seq[i+n-1]; banned >= 0 && int(banned) < len(logits) {
					logits[banned] = negInf
				}
			}
		}
	}

	if len(seq) < minLength && int(o.DecoderEndTokenID) < len(logits) {
		logits[o.DecoderEndTokenID] = negInf
	}
}

func logSoftmax(logits []float32) []float64 {
	m := slices.Max(logits)
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v - m))
	}

	lse := math.Log(sum) + float64(m)
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = float64(v) - lse
	}

	return out
}

func argmax(s []float64) int {
	best := 0
	for i, v := range s {
		if v > s[best] {
			best = i
		}
	}

	return best
}

type candidate struct {
	id    int
	score float64
}

// filter keeps the temperature scaled top-k and top-p candidates of
// logprobs, in descending order.
func (o Options) filter(logprobs []float64) []candidate {
	cs := make([]candidate, 0, len(logprobs))
	for i, lp := range logprobs {
		if !math.IsInf(lp, -1) {
			cs = append(cs, candidate{id: i, score: lp / o.Temperature})
		}
	}

	slices.SortStableFunc(cs, func(a, b candidate) int { return cmp.Compare(b.score, a.score) })

	if o.TopK > 0 && len(cs) > o.TopK {
		cs = cs[:o.TopK]
	}

	if o.TopP < 1 && len(cs) > 0 {
		probs := softmax(cs)
		var cum float64
		for i, p := range probs {
			cum += p
			if cum >= o.TopP {
				cs = cs[:i+1]
				break
			}
		}
	}

	return cs
}

func softmax(cs []candidate) []float64 {
	if len(cs) == 0 {
		return nil
	}

	m := cs[0].score
	for _, c := range cs {
		m = max(m, c.score)
	}

	probs := make([]float64, len(cs))
	var sum float64
	for i, c := range cs {
		probs[i] = math.Exp(c.score - m)
		sum += probs[i]
	}

	for i := range probs {
		probs[i] /= sum
	}

	return probs
}

// sample draws n distinct candidates weighted by their probability.
func sample(rng *rand.Rand, cs []candidate, n int) []candidate {
	cs = slices.Clone(cs)
	out := make([]candidate, 0, n)
	for len(out) < n && len(cs) > 0 {
		probs := softmax(cs)
		r := rng.Float64()

		i := len(cs) - 1
		var cum float64
		for j, p := range probs {
			cum += p
			if r < cum {
				i = j
				break
			}
		}

		out = append(out, cs[i])
		cs = slices.Delete(cs, i, i+1)
	}

	return out
}
