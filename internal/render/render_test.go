package render

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webmirror/internal/metrics"
)

type fakeLauncher struct {
	launches  atomic.Int32
	closes    atomic.Int32
	launchErr error
	// render is called by every browser's Render.
	render func(ctx context.Context, target string) (*Page, error)
}

func (l *fakeLauncher) Launch(ctx context.Context) (Browser, error) {
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	l.launches.Add(1)
	return &fakeBrowser{l: l}, nil
}

type fakeBrowser struct {
	l *fakeLauncher
}

func (b *fakeBrowser) Render(ctx context.Context, target string) (*Page, error) {
	return b.l.render(ctx, target)
}

func (b *fakeBrowser) Close() error {
	b.l.closes.Add(1)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func blockUntilDone(ctx context.Context, _ string) (*Page, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRenderer_Render(t *testing.T) {
	l := &fakeLauncher{render: func(_ context.Context, target string) (*Page, error) {
		return &Page{HTML: "<html><body>rendered</body></html>", URL: target + "#final"}, nil
	}}
	m := metrics.New()
	r := New(l, time.Second, 2, discardLogger(), m)

	page, err := r.Render(context.Background(), "https://spa.example/")
	require.NoError(t, err)

	assert.Equal(t, "<html><body>rendered</body></html>", page.HTML)
	assert.Equal(t, "https://spa.example/#final", page.URL)
	assert.Equal(t, int32(1), l.launches.Load())
	assert.Equal(t, int32(1), l.closes.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BrowserLaunches))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.RendersInFlight))
}

func TestRenderer_Timeout(t *testing.T) {
	l := &fakeLauncher{render: blockUntilDone}
	r := New(l, 50*time.Millisecond, 1, discardLogger(), metrics.New())

	_, err := r.Render(context.Background(), "https://slow.example/")

	var re *RenderError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "https://slow.example/", re.URL)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), l.launches.Load(), "browser launched exactly once")
	assert.Equal(t, int32(1), l.closes.Load(), "browser released exactly once")
}

func TestRenderer_RenderFailure(t *testing.T) {
	boom := errors.New("navigation failed")
	l := &fakeLauncher{render: func(context.Context, string) (*Page, error) { return nil, boom }}
	r := New(l, time.Second, 1, discardLogger(), nil)

	_, err := r.Render(context.Background(), "https://broken.example/")

	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Equal(t, int32(1), l.closes.Load())
}

func TestRenderer_LaunchFailure(t *testing.T) {
	l := &fakeLauncher{launchErr: errors.New("exec: chrome not found")}
	r := New(l, time.Second, 1, discardLogger(), nil)

	_, err := r.Render(context.Background(), "https://spa.example/")

	var re *RenderError
	require.ErrorAs(t, err, &re)
	assert.ErrorIs(t, err, ErrLaunch)
	assert.Equal(t, int32(0), l.closes.Load(), "nothing to release when launch fails")
}

func TestRenderer_ParentCanceled(t *testing.T) {
	l := &fakeLauncher{render: blockUntilDone}
	r := New(l, time.Minute, 1, discardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := r.Render(ctx, "https://spa.example/")

	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Equal(t, int32(1), l.closes.Load())
}

func TestRenderer_BoundsConcurrency(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	l := &fakeLauncher{render: func(_ context.Context, target string) (*Page, error) {
		started <- struct{}{}
		<-release
		return &Page{HTML: "ok", URL: target}, nil
	}}
	r := New(l, 100*time.Millisecond, 1, discardLogger(), nil)

	var wg sync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		_, firstErr = r.Render(context.Background(), "https://first.example/")
	}()
	<-started

	_, err := r.Render(context.Background(), "https://second.example/")
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	wg.Wait()
	assert.NoError(t, firstErr)
	assert.Equal(t, int32(1), l.launches.Load(), "second render never launched a browser")
	assert.Equal(t, int32(1), l.closes.Load())
}

func TestRenderer_ReleasesEveryBrowserUnderLoad(t *testing.T) {
	var n atomic.Int32
	l := &fakeLauncher{render: func(ctx context.Context, target string) (*Page, error) {
		if n.Add(1)%2 == 0 {
			return blockUntilDone(ctx, target)
		}
		return &Page{HTML: "ok", URL: target}, nil
	}}
	r := New(l, 200*time.Millisecond, 3, discardLogger(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Render(context.Background(), "https://load.example/")
		}()
	}
	wg.Wait()

	assert.Equal(t, l.launches.Load(), l.closes.Load())
}
