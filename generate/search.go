package generate

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/emirpasic/gods/v2/trees/binaryheap"

	"github.com/jmorganca/zoo/logutil"
)

var ErrStep = errors.New("step returned the wrong number of rows")

// StepFunc scores the next token of every sequence. rows holds the index of
// the prompt each sequence grew from. It returns one row of logits over the
// vocabulary per input sequence.
type StepFunc func(ctx context.Context, rows []int, seqs [][]int32) ([][]float32, error)

// Result holds NumReturnSequences rows per prompt, grouped by prompt. Each
// sequence starts with its prompt.
type Result struct {
	Sequences [][]int32
	Scores    []float32
}

// Search extends every prompt until it ends with the end token or reaches
// maxLength tokens. The end token is suppressed while a sequence is
// shorter than minLength. Prompts must share one length, as rows of a
// padded batch do.
func Search(ctx context.Context, step StepFunc, prompts [][]int32, maxLength, minLength int, opts Options) (*Result, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if len(prompts) == 0 {
		return nil, fmt.Errorf("%w: no prompts", ErrOptions)
	}

	for _, p := range prompts[1:] {
		if len(p) != len(prompts[0]) {
			return nil, fmt.Errorf("%w: prompts of length %d and %d", ErrOptions, len(prompts[0]), len(p))
		}
	}

	if opts.NumBeams == 1 {
		return opts.decode(ctx, step, prompts, maxLength, minLength)
	}

	return opts.beamSearch(ctx, step, prompts, maxLength, minLength)
}

func (o Options) rng() *rand.Rand {
	return rand.New(rand.NewPCG(o.Seed, o.Seed^0x9e3779b97f4a7c15))
}

func callStep(ctx context.Context, step StepFunc, rows []int, seqs [][]int32) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logits, err := step(ctx, rows, seqs)
	if err != nil {
		return nil, err
	}

	if len(logits) != len(seqs) {
		return nil, fmt.Errorf("%w: %d rows for %d sequences", ErrStep, len(logits), len(seqs))
	}

	return logits, nil
}

// decode is greedy search, or multinomial sampling when DoSample is set.
func (o Options) decode(ctx context.Context, step StepFunc, prompts [][]int32, maxLength, minLength int) (*Result, error) {
	rng := o.rng()

	var seqs [][]int32
	for _, p := range prompts {
		for range o.NumReturnSequences {
			seqs = append(seqs, slices.Clone(p))
		}
	}

	scores := make([]float64, len(seqs))
	done := make([]bool, len(seqs))
	for {
		var active []int
		for i, s := range seqs {
			if !done[i] && len(s) < maxLength {
				active = append(active, i)
			}
		}

		if len(active) == 0 {
			break
		}

		batch := make([][]int32, len(active))
		rows := make([]int, len(active))
		for j, i := range active {
			batch[j] = seqs[i]
			rows[j] = i / o.NumReturnSequences
		}

		logits, err := callStep(ctx, step, rows, batch)
		if err != nil {
			return nil, err
		}

		for j, i := range active {
			l := slices.Clone(logits[j])
			o.process(l, seqs[i], minLength)
			lp := logSoftmax(l)

			next := argmax(lp)
			if o.DoSample {
				if c := sample(rng, o.filter(lp), 1); len(c) > 0 {
					next = c[0].id
				}
			}

			seqs[i] = append(seqs[i], int32(next))
			scores[i] += lp[next]
			if int32(next) == o.DecoderEndTokenID {
				done[i] = true
			}
		}
	}

	out := &Result{Sequences: seqs, Scores: make([]float32, len(scores))}
	for i, s := range scores {
		out.Scores[i] = float32(s)
	}

	return out, nil
}

type hypothesis struct {
	seq   []int32
	score float64
}

// hypotheses keeps the best n finished beams of one prompt.
type hypotheses struct {
	n             int
	lengthPenalty float64
	earlyStopping bool
	heap          *binaryheap.Heap[*hypothesis]
}

func newHypotheses(n int, lengthPenalty float64, earlyStopping bool) *hypotheses {
	return &hypotheses{
		n:             n,
		lengthPenalty: lengthPenalty,
		earlyStopping: earlyStopping,
		heap: binaryheap.NewWith(func(a, b *hypothesis) int {
			return cmp.Compare(a.score, b.score)
		}),
	}
}

// add scores seq by its summed log probability normalized by length.
func (h *hypotheses) add(seq []int32, sumLogprobs float64, length int) {
	score := sumLogprobs / math.Pow(float64(length), h.lengthPenalty)
	if worst, ok := h.heap.Peek(); ok && h.heap.Size() >= h.n && score <= worst.score {
		return
	}

	h.heap.Push(&hypothesis{seq: seq, score: score})
	if h.heap.Size() > h.n {
		h.heap.Pop()
	}
}

// done reports whether no running beam can still beat the kept ones.
func (h *hypotheses) done(bestSumLogprobs float64, length int) bool {
	if h.heap.Size() < h.n {
		return false
	}

	if h.earlyStopping {
		return true
	}

	worst, _ := h.heap.Peek()
	return worst.score >= bestSumLogprobs/math.Pow(float64(length), h.lengthPenalty)
}

// best drains the kept hypotheses, best first.
func (h *hypotheses) best() []*hypothesis {
	var out []*hypothesis
	for !h.heap.Empty() {
		v, _ := h.heap.Pop()
		out = append(out, v)
	}

	slices.Reverse(out)
	return out
}

type beamCandidate struct {
	beam  int
	token int32
	score float64
}

// beamSearch runs (diverse) beam search. Beams are split into groups that
// expand in turn; later groups are penalized for picking tokens earlier
// groups already picked at the same step.
func (o Options) beamSearch(ctx context.Context, step StepFunc, prompts [][]int32, maxLength, minLength int) (*Result, error) {
	rng := o.rng()
	batch, k := len(prompts), o.NumBeams
	groupSize := k / o.NumBeamGroups

	beams := make([][]int32, batch*k)
	scores := make([]float64, batch*k)
	for b, p := range prompts {
		for i := range k {
			beams[b*k+i] = slices.Clone(p)
			// only the first beam of each group is live at the start
			if i%groupSize != 0 {
				scores[b*k+i] = -1e9
			}
		}
	}

	hyps := make([]*hypotheses, batch)
	for b := range hyps {
		hyps[b] = newHypotheses(k, o.LengthPenalty, o.EarlyStopping)
	}

	done := make([]bool, batch)
	for length := len(prompts[0]); length < maxLength; length++ {
		var rows []int
		for b := range batch {
			if !done[b] {
				for i := range k {
					rows = append(rows, b*k+i)
				}
			}
		}

		if len(rows) == 0 {
			break
		}

		in := make([][]int32, len(rows))
		prompt := make([]int, len(rows))
		for j, r := range rows {
			in[j] = beams[r]
			prompt[j] = r / k
		}

		logits, err := callStep(ctx, step, prompt, in)
		if err != nil {
			return nil, err
		}

		logitsOf := make(map[int][]float32, len(rows))
		for j, r := range rows {
			logitsOf[r] = logits[j]
		}

		nextBeams := slices.Clone(beams)
		nextScores := slices.Clone(scores)
		for b := range batch {
			if done[b] {
				continue
			}

			picked := make(map[int32]int)
			for g := range o.NumBeamGroups {
				var cands []beamCandidate
				for i := g * groupSize; i < (g+1)*groupSize; i++ {
					r := b*k + i
					l := slices.Clone(logitsOf[r])
					o.process(l, beams[r], minLength)
					lp := logSoftmax(l)

					if o.DiversityPenalty > 0 {
						for tok, n := range picked {
							if int(tok) < len(lp) {
								lp[tok] -= o.DiversityPenalty * float64(n)
							}
						}
					}

					cands = append(cands, o.beamCandidates(rng, r, lp, scores[r], 2*groupSize)...)
				}

				slices.SortStableFunc(cands, func(a, b beamCandidate) int { return cmp.Compare(b.score, a.score) })

				chosen := 0
				for rank, c := range cands {
					if chosen == groupSize {
						break
					}

					if c.token == o.DecoderEndTokenID {
						if rank < groupSize {
							seq := append(slices.Clone(beams[c.beam]), c.token)
							hyps[b].add(seq, c.score, len(beams[c.beam]))
						}
						continue
					}

					r := b*k + g*groupSize + chosen
					nextBeams[r] = append(slices.Clone(beams[c.beam]), c.token)
					nextScores[r] = c.score
					picked[c.token]++
					chosen++
				}

				// too few candidates to refill the group
				for ; chosen < groupSize; chosen++ {
					r := b*k + g*groupSize + chosen
					nextBeams[r] = append(slices.Clone(beams[r]), o.DecoderEndTokenID)
					nextScores[r] = math.Inf(-1)
				}
			}

			best := math.Inf(-1)
			for i := range k {
				best = max(best, nextScores[b*k+i])
			}
			done[b] = hyps[b].done(best, length+1)
		}

		beams, scores = nextBeams, nextScores
		logutil.Trace("beam step", "length", length+1, "done", done)
	}

	out := &Result{}
	for b := range batch {
		if !done[b] {
			for i := range k {
				r := b*k + i
				if !math.IsInf(scores[r], -1) {
					hyps[b].add(beams[r], scores[r], len(beams[r]))
				}
			}
		}

		best := hyps[b].best()
		for i := range o.NumReturnSequences {
			if i < len(best) {
				out.Sequences = append(out.Sequences, best[i].seq)
				out.Scores = append(out.Scores, float32(best[i].score))
			} else {
				out.Sequences = append(out.Sequences, slices.Clone(prompts[b]))
				out.Scores = append(out.Scores, float32(math.Inf(-1)))
			}
		}
	}

	return out, nil
}

// beamCandidates returns up to n continuations of beam r.
func (o Options) beamCandidates(rng *rand.Rand, r int, lp []float64, score float64, n int) []beamCandidate {
	var picks []candidate
	if o.DoSample {
		picks = sample(rng, o.filter(lp), n)
	} else {
		picks = make([]candidate, 0, len(lp))
		for id, v := range lp {
			if !math.IsInf(v, -1) {
				picks = append(picks, candidate{id: id, score: v})
			}
		}
		slices.SortStableFunc(picks, func(a, b candidate) int { return cmp.Compare(b.score, a.score) })
		if len(picks) > n {
			picks = picks[:n]
		}
	}

	out := make([]beamCandidate, len(picks))
	for i, p := range picks {
		out[i] = beamCandidate{beam: r, token: int32(p.id), score: score + lp[p.id]}
	}

	return out
}
