package talk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOutputDevice struct {
	render  func([]int16)
	rate    int
	started bool
	closed  bool
}

func (d *fakeOutputDevice) Name() string { return "fake-speaker" }

func (d *fakeOutputDevice) Open(sampleRate int, render func([]int16)) error {
	d.rate = sampleRate
	d.render = render
	return nil
}

func (d *fakeOutputDevice) Start() error { d.started = true; return nil }
func (d *fakeOutputDevice) Stop() error  { d.started = false; return nil }
func (d *fakeOutputDevice) Close() error { d.closed = true; return nil }

// pull renders n frames as the audio thread would.
func (d *fakeOutputDevice) pull(n int) []int16 {
	out := make([]int16, n)
	d.render(out)
	return out
}

func newTestRenderer(t *testing.T) (*Renderer, *fakeOutputDevice) {
	t.Helper()
	dev := &fakeOutputDevice{}
	r := NewRenderer(dev, 1000, NewNopLogger())
	require.NoError(t, r.Open(context.Background()))
	return r, dev
}

func constant(v int16, n int) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestRendererStartsSuspended(t *testing.T) {
	r, dev := newTestRenderer(t)
	assert.True(t, r.Suspended())
	assert.Equal(t, 1000, dev.rate)

	// The clock does not move while suspended.
	dev.pull(100)
	assert.Equal(t, time.Duration(0), r.Now())

	require.NoError(t, r.Resume(context.Background()))
	assert.False(t, r.Suspended())
	assert.True(t, dev.started)

	dev.pull(100)
	assert.Equal(t, 100*time.Millisecond, r.Now())
}

func TestRendererPlaysAtScheduledTime(t *testing.T) {
	r, dev := newTestRenderer(t)
	require.NoError(t, r.Resume(context.Background()))

	ended := make(chan struct{}, 1)
	buf := &AudioBuffer{Samples: constant(100, 10), SampleRate: 1000}
	_, err := r.Schedule(buf, 5*time.Millisecond, func() { ended <- struct{}{} })
	require.NoError(t, err)

	out := dev.pull(20)
	assert.Equal(t, constant(0, 5), out[:5])
	assert.Equal(t, constant(100, 10), out[5:15])
	assert.Equal(t, constant(0, 5), out[15:])

	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("onEnded not called")
	}
	assert.Equal(t, 0, r.Active())
}

func TestRendererBackToBackIsGapless(t *testing.T) {
	r, dev := newTestRenderer(t)
	require.NoError(t, r.Resume(context.Background()))

	a := &AudioBuffer{Samples: constant(1, 7), SampleRate: 1000}
	b := &AudioBuffer{Samples: constant(2, 5), SampleRate: 1000}
	_, err := r.Schedule(a, 0, nil)
	require.NoError(t, err)
	_, err = r.Schedule(b, a.Duration(), nil)
	require.NoError(t, err)

	// Split across render calls to cross a buffer boundary.
	out := append(dev.pull(4), dev.pull(10)...)
	assert.Equal(t, append(constant(1, 7), append(constant(2, 5), 0, 0)...), out)
}

func TestRendererLateStartPlaysImmediately(t *testing.T) {
	r, dev := newTestRenderer(t)
	require.NoError(t, r.Resume(context.Background()))
	dev.pull(50)

	_, err := r.Schedule(&AudioBuffer{Samples: constant(9, 3), SampleRate: 1000}, 10*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Equal(t, []int16{9, 9, 9, 0}, dev.pull(4))
}

func TestRendererClockMovedBeforeSchedule(t *testing.T) {
	r, dev := newTestRenderer(t)
	require.NoError(t, r.Resume(context.Background()))

	now := r.Now()
	dev.pull(3)

	a := &AudioBuffer{Samples: constant(1, 7), SampleRate: 1000}
	b := &AudioBuffer{Samples: constant(2, 5), SampleRate: 1000}
	ha, err := r.Schedule(a, now, nil)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Millisecond, ha.Start())

	hb, err := r.Schedule(b, ha.Start()+a.Duration(), nil)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, hb.Start())

	out := dev.pull(14)
	assert.Equal(t, append(constant(1, 7), append(constant(2, 5), 0, 0)...), out)
}

func TestRendererStopHandle(t *testing.T) {
	r, dev := newTestRenderer(t)
	require.NoError(t, r.Resume(context.Background()))

	h, err := r.Schedule(&AudioBuffer{Samples: constant(5, 100), SampleRate: 1000}, 0, nil)
	require.NoError(t, err)
	dev.pull(10)

	require.NoError(t, h.Stop())
	assert.Equal(t, constant(0, 10), dev.pull(10))
	assert.ErrorIs(t, h.Stop(), ErrHandleFinished)
}

func TestRendererMixesAndClamps(t *testing.T) {
	r, dev := newTestRenderer(t)
	require.NoError(t, r.Resume(context.Background()))

	for i := 0; i < 2; i++ {
		_, err := r.Schedule(&AudioBuffer{Samples: constant(30000, 2), SampleRate: 1000}, 0, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []int16{32767, 32767}, dev.pull(2))
}

func TestRendererResamplesOnSchedule(t *testing.T) {
	r, dev := newTestRenderer(t)
	require.NoError(t, r.Resume(context.Background()))

	_, err := r.Schedule(&AudioBuffer{Samples: constant(4, 4), SampleRate: 2000}, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []int16{4, 4, 0}, dev.pull(3))
}

func TestRendererDecode(t *testing.T) {
	r, _ := newTestRenderer(t)

	buf, err := r.Decode(context.Background(), EncodeWAV(constant(7, 2000), 2000))
	require.NoError(t, err)
	assert.Equal(t, 1000, buf.SampleRate)
	assert.Len(t, buf.Samples, 1000)
	assert.Equal(t, time.Second, buf.Duration())

	_, err = r.Decode(context.Background(), []byte("nope"))
	assert.ErrorIs(t, err, &TalkError{Code: ErrCodeDecode})
}

func TestRendererClose(t *testing.T) {
	r, dev := newTestRenderer(t)
	require.NoError(t, r.Resume(context.Background()))
	require.NoError(t, r.Close())
	assert.True(t, dev.closed)

	_, err := r.Schedule(&AudioBuffer{Samples: constant(1, 1), SampleRate: 1000}, 0, nil)
	assert.ErrorIs(t, err, ErrNotInitialized)
}
