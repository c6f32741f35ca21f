package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var nop = zerolog.Nop()

type recorder struct {
	events []string
}

func (r *recorder) step(name string, initErr, finiErr error) Step {
	return Step{
		Name: name,
		Init: func(ctx context.Context) error {
			r.events = append(r.events, "init "+name)
			return initErr
		},
		Fini: func() error {
			r.events = append(r.events, "fini "+name)
			return finiErr
		},
	}
}

func TestInitFiniOrder(t *testing.T) {
	rec := &recorder{}
	rt := New(&nop, rec.step("log", nil, nil), rec.step("store", nil, nil), rec.step("fs", nil, nil))

	require.Equal(t, Uninitialized, rt.State())
	require.NoError(t, rt.Init(context.Background()))
	require.Equal(t, Ready, rt.State())
	require.NoError(t, rt.Fini())
	require.Equal(t, Uninitialized, rt.State())

	require.Equal(t, []string{
		"init log", "init store", "init fs",
		"fini fs", "fini store", "fini log",
	}, rec.events)
}

func TestDoubleInitIsNoop(t *testing.T) {
	rec := &recorder{}
	rt := New(&nop, rec.step("a", nil, nil))

	require.NoError(t, rt.Init(context.Background()))
	require.NoError(t, rt.Init(context.Background()))
	require.Equal(t, []string{"init a"}, rec.events)
}

func TestFiniWithoutInitIsNoop(t *testing.T) {
	rec := &recorder{}
	rt := New(&nop, rec.step("a", nil, nil))

	require.NoError(t, rt.Fini())
	require.Empty(t, rec.events)

	require.NoError(t, rt.Init(context.Background()))
	require.NoError(t, rt.Fini())
	require.NoError(t, rt.Fini())
	require.Equal(t, []string{"init a", "fini a"}, rec.events)
}

func TestFailedInitUnwinds(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("boom")
	rt := New(&nop,
		rec.step("a", nil, nil),
		rec.step("b", nil, nil),
		rec.step("c", boom, nil),
		rec.step("d", nil, nil),
	)

	err := rt.Init(context.Background())
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "c: boom")
	require.Equal(t, Uninitialized, rt.State())
	require.Equal(t, []string{"init a", "init b", "init c", "fini b", "fini a"}, rec.events)

	// A later attempt starts from scratch.
	rec.events = nil
	rt.steps[2] = rec.step("c", nil, nil)
	require.NoError(t, rt.Init(context.Background()))
	require.Equal(t, Ready, rt.State())
}

func TestFiniAggregatesErrors(t *testing.T) {
	rec := &recorder{}
	errA := errors.New("a failed")
	errC := errors.New("c failed")
	rt := New(&nop,
		rec.step("a", nil, errA),
		rec.step("b", nil, nil),
		rec.step("c", nil, errC),
	)

	require.NoError(t, rt.Init(context.Background()))
	err := rt.Fini()
	require.ErrorIs(t, err, errA)
	require.ErrorIs(t, err, errC)
	require.Equal(t, Uninitialized, rt.State())
	require.Equal(t, []string{"init a", "init b", "init c", "fini c", "fini b", "fini a"}, rec.events)
}

func TestNilHooks(t *testing.T) {
	rt := New(nil, Step{Name: "empty"})
	require.NoError(t, rt.Init(context.Background()))
	require.NoError(t, rt.Fini())
}

func TestLoggerReplacedByStep(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.Nop()
	rt := New(&logger, Step{
		Name: "logging",
		Init: func(ctx context.Context) error {
			logger = zerolog.New(&buf)
			return nil
		},
	})
	require.NoError(t, rt.Init(context.Background()))
	require.Contains(t, buf.String(), "runtime ready")
}
