package generate

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/zoo/config"
)

const vocab = 6

// table returns a step function whose logits depend only on the last token.
func table(next map[int32][]float32) StepFunc {
	return func(_ context.Context, _ []int, seqs [][]int32) ([][]float32, error) {
		out := make([][]float32, len(seqs))
		for i, s := range seqs {
			if l, ok := next[s[len(s)-1]]; ok {
				out[i] = append([]float32(nil), l...)
			} else {
				out[i] = make([]float32, vocab)
			}
		}
		return out, nil
	}
}

// chain prefers 3 -> 4 -> 5 -> end(2); after 0 it prefers the end.
var chain = table(map[int32][]float32{
	0: {0, 0, 1, 0, 0, 0},
	1: {0, 0, 0, 5, 1, 0},
	3: {0, 0, 0, 0, 5, 1},
	4: {0, 0, 1, 0, 0, 5},
	5: {0, 0, 5, 0, 0, 0},
})

func greedy() Options {
	o := DefaultOptions()
	o.NumBeams = 1
	return o
}

func TestGreedy(t *testing.T) {
	res, err := Search(context.Background(), chain, [][]int32{{0, 1}, {1, 1}}, 10, 0, greedy())
	require.NoError(t, err)

	want := [][]int32{{0, 1, 3, 4, 5, 2}, {1, 1, 3, 4, 5, 2}}
	if diff := cmp.Diff(want, res.Sequences); diff != "" {
		t.Errorf("sequences mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, res.Scores, 2)
	assert.Less(t, res.Scores[0], float32(0))
}

func TestGreedyMaxLength(t *testing.T) {
	res, err := Search(context.Background(), chain, [][]int32{{1}}, 3, 0, greedy())
	require.NoError(t, err)
	assert.Equal(t, [][]int32{{1, 3, 4}}, res.Sequences)
}

func TestMinLength(t *testing.T) {
	// 5 strongly prefers the end token, which is banned until length 6
	res, err := Search(context.Background(), chain, [][]int32{{1}}, 8, 6, greedy())
	require.NoError(t, err)
	assert.Len(t, res.Sequences[0], 7)
	assert.Equal(t, int32(2), res.Sequences[0][6])
	assert.NotEqual(t, int32(2), res.Sequences[0][4])
}

func TestRepetitionAndNgram(t *testing.T) {
	loop := table(map[int32][]float32{
		1: {0, 0, 0, 3, 2, 0},
		3: {0.5, 1, 0, 0, 0, 0},
	})

	o := greedy()
	o.NoRepeatNgramSize = 2
	res, err := Search(context.Background(), loop, [][]int32{{1}}, 5, 0, o)
	require.NoError(t, err)
	// 1 3 1 would repeat the bigram 1 3, so 4 is taken instead
	assert.Equal(t, []int32{1, 3, 1, 4, 0}, res.Sequences[0])

	o = greedy()
	o.RepetitionPenalty = 10
	res, err = Search(context.Background(), loop, [][]int32{{1}}, 3, 0, o)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 3, 0}, res.Sequences[0])
}

func TestSampling(t *testing.T) {
	o := greedy()
	o.DoSample = true
	o.TopK = 1
	o.NumReturnSequences = 3
	o.Seed = 7

	res, err := Search(context.Background(), chain, [][]int32{{1}}, 10, 0, o)
	require.NoError(t, err)
	require.Len(t, res.Sequences, 3)
	for _, s := range res.Sequences {
		// top-k of one is greedy
		assert.Equal(t, []int32{1, 3, 4, 5, 2}, s)
	}

	o.TopK = 0
	o.Temperature = 0.5
	a, err := Search(context.Background(), chain, [][]int32{{1}}, 10, 0, o)
	require.NoError(t, err)
	b, err := Search(context.Background(), chain, [][]int32{{1}}, 10, 0, o)
	require.NoError(t, err)
	assert.Equal(t, a.Sequences, b.Sequences, "same seed, same samples")
}

func TestBeamSearch(t *testing.T) {
	// greedy picks 3 then is stuck with a poor continuation; beam search
	// finds 4 -> 5 which is better overall
	trap := table(map[int32][]float32{
		1: {-10, -10, -10, 2, 1.9, -10},
		3: {0, 0, 0, 0, 0, 0},
		4: {-10, -10, -10, -10, -10, 8},
		5: {-10, -10, 8, -10, -10, -10},
	})

	res, err := Search(context.Background(), trap, [][]int32{{1}}, 4, 0, greedy())
	require.NoError(t, err)
	assert.Equal(t, int32(3), res.Sequences[0][1])

	o := DefaultOptions()
	o.NumBeams = 2
	o.NumReturnSequences = 2
	res, err = Search(context.Background(), trap, [][]int32{{1}, {1}}, 4, 0, o)
	require.NoError(t, err)
	require.Len(t, res.Sequences, 4)
	assert.Equal(t, []int32{1, 4, 5, 2}, res.Sequences[0])
	assert.Equal(t, []int32{1, 4, 5, 2}, res.Sequences[2])
	assert.GreaterOrEqual(t, res.Scores[0], res.Scores[1])
}

func TestDiverseBeamSearch(t *testing.T) {
	o := DefaultOptions()
	o.NumBeams = 2
	o.NumBeamGroups = 2
	o.DiversityPenalty = 100
	o.NumReturnSequences = 2
	o.EarlyStopping = false

	res, err := Search(context.Background(), chain, [][]int32{{1}}, 3, 0, o)
	require.NoError(t, err)
	require.Len(t, res.Sequences, 2)
	assert.NotEqual(t, res.Sequences[0][1], res.Sequences[1][1])
}

func TestSearchErrors(t *testing.T) {
	ctx := context.Background()

	o := DefaultOptions()
	o.NumBeams = 3
	o.NumBeamGroups = 2
	_, err := Search(ctx, chain, [][]int32{{1}}, 4, 0, o)
	assert.ErrorIs(t, err, ErrOptions)

	o = greedy()
	o.NumReturnSequences = 2
	_, err = Search(ctx, chain, [][]int32{{1}}, 4, 0, o)
	assert.ErrorIs(t, err, ErrOptions)

	_, err = Search(ctx, chain, [][]int32{{1}, {1, 2}}, 4, 0, greedy())
	assert.ErrorIs(t, err, ErrOptions)

	_, err = Search(ctx, chain, nil, 4, 0, greedy())
	assert.ErrorIs(t, err, ErrOptions)

	short := func(context.Context, []int, [][]int32) ([][]float32, error) { return nil, nil }
	_, err = Search(ctx, short, [][]int32{{1}}, 4, 0, greedy())
	assert.ErrorIs(t, err, ErrStep)

	boom := errors.New("boom")
	failing := func(context.Context, []int, [][]int32) ([][]float32, error) { return nil, boom }
	_, err = Search(ctx, failing, [][]int32{{1}}, 4, 0, DefaultOptions())
	assert.ErrorIs(t, err, boom)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = Search(cancelled, chain, [][]int32{{1}}, 4, 0, greedy())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPack(t *testing.T) {
	seqs := [][]int32{{7, 7, 1, 2}, {7, 7, 3}}

	// prompt of length two is dropped, the rest zero filled
	x, err := Pack(seqs, 1, 4, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, x.Shape())
	assert.Equal(t, []int64{1, 2, 0, 0, 3, 0, 0, 0}, x.Ints())

	// encoder-decoder output keeps every token
	x, err = Pack(seqs, 2, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, x.Shape())
	assert.Equal(t, []int64{7, 7, 1, 7, 7, 3}, x.Ints())

	_, err = Pack(seqs, 3, 4, 0)
	assert.Error(t, err)
}

func TestProcess(t *testing.T) {
	o := DefaultOptions()
	o.RepetitionPenalty = 2
	l := []float32{2, -2, 1}
	o.process(l, []int32{0, 1, 1}, 0)
	assert.Equal(t, []float32{1, -4, 1}, l)

	o = DefaultOptions()
	l = []float32{0, 0, 1}
	o.process(l, []int32{0}, 5)
	assert.True(t, math.IsInf(float64(l[2]), -1))
}

func TestConfigured(t *testing.T) {
	c := config.New()
	s := c.Section("core/pipeline/chatglm")

	opts, err := Configured(s)
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions(), opts)

	s.Set("num_beams", "2")
	s.Set("max_gen_seq_length", 16)
	s.Set("do_sample", "true")
	s.Set("pretrained_name", "default-chatglm")
	opts, err = Configured(s)
	require.NoError(t, err)
	assert.Equal(t, 2, opts.NumBeams)
	assert.Equal(t, 16, opts.MaxGenSeqLength)
	assert.True(t, opts.DoSample)
	assert.Equal(t, int32(2), opts.DecoderEndTokenID)

	s.Set("num_beams", 0)
	_, err = Configured(s)
	assert.ErrorIs(t, err, ErrOptions)
}
