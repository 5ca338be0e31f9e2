package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/zoo/config"
	"github.com/jmorganca/zoo/process"
)

func TestRegisterLastWins(t *testing.T) {
	r := New[int]("thing")
	r.Register("a", 1)
	r.Register("a", 2)

	v, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, []string{"a"}, r.Keys())
}

func TestGetMissing(t *testing.T) {
	r := New[int]("thing")
	_, err := r.Get("nope")
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.Contains(t, err.Error(), `thing "nope"`)
	assert.False(t, r.Has("nope"))
}

func TestKeysAndMatch(t *testing.T) {
	r := New[string]("thing")
	for _, k := range []string{"core/model/b", "core/process/a", "core/model/a"} {
		r.Register(k, k)
	}

	assert.Equal(t, []string{"core/model/a", "core/model/b", "core/process/a"}, r.Keys())
	assert.Equal(t, []string{"core/model/a", "core/model/b"}, r.Match("core/model/"))
	assert.Empty(t, r.Match("core/optim/"))
}

func TestConcurrentLookups(t *testing.T) {
	r := New[int]("thing")
	r.Register("a", 1)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				r.Register("b", i)
			}
			_, err := r.Get("a")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.True(t, r.Has("b"))
}

func TestSetProcess(t *testing.T) {
	s := NewSet()
	s.Processes.Register("core/process/echo", func(cfg *config.Config) (process.Func, error) {
		prefix := cfg.Section("core/process/echo").String("prefix", ">")
		return func(_ context.Context, args process.Args) (any, error) {
			text, err := args.String("text")
			if err != nil {
				return nil, err
			}
			return prefix + text, nil
		}, nil
	})

	cfg := config.New()
	out, err := s.Process(context.Background(), cfg, "core/process/echo", process.Args{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, ">hi", out)

	cfg.Set("core/process/echo", "prefix", "$ ")
	out, err = s.Process(context.Background(), cfg, "core/process/echo", process.Args{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "$ hi", out)

	_, err = s.Process(context.Background(), cfg, "core/process/missing", nil)
	assert.ErrorIs(t, err, ErrNotRegistered)

	boom := errors.New("boom")
	s.Processes.Register("core/process/broken", func(*config.Config) (process.Func, error) { return nil, boom })
	_, err = s.Process(context.Background(), cfg, "core/process/broken", nil)
	assert.ErrorIs(t, err, boom)

	keys := s.Keys()
	assert.Equal(t, []string{"core/process/broken", "core/process/echo"}, keys["process"])
	assert.Empty(t, keys["model"])

	_, err = s.Model(cfg, "core/model/none")
	assert.ErrorIs(t, err, ErrNotRegistered)
	_, err = s.Pipeline(cfg, "core/pipeline/none")
	assert.ErrorIs(t, err, ErrNotRegistered)
	_, err = s.Optim(cfg, "core/optim/none", nil)
	assert.ErrorIs(t, err, ErrNotRegistered)
	_, err = s.WebUI(cfg, "core/webui/none")
	assert.ErrorIs(t, err, ErrNotRegistered)
	_, err = s.Writer(cfg, "core/writer/none", nil)
	assert.ErrorIs(t, err, ErrNotRegistered)
}
