package supervisor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corvidlabs/pixolith/pkg/bus"
	"github.com/corvidlabs/pixolith/pkg/clock"
	"github.com/corvidlabs/pixolith/pkg/hostkit"
	"github.com/corvidlabs/pixolith/pkg/observability"
	"github.com/corvidlabs/pixolith/pkg/registry"
)

type fakeChild struct {
	done       chan struct{}
	exitErr    error
	mu         sync.Mutex
	terminated bool
	killed     bool
	once       sync.Once
}

func newFakeChild() *fakeChild {
	return &fakeChild{done: make(chan struct{})}
}

func (c *fakeChild) Done() <-chan struct{} { return c.done }

func (c *fakeChild) Err() error {
	select {
	case <-c.done:
		return c.exitErr
	default:
		return nil
	}
}

func (c *fakeChild) Terminate() error {
	c.mu.Lock()
	c.terminated = true
	c.mu.Unlock()
	c.exit(nil)
	return nil
}

func (c *fakeChild) Kill() error {
	c.mu.Lock()
	c.killed = true
	c.mu.Unlock()
	c.exit(nil)
	return nil
}

func (c *fakeChild) exit(err error) {
	c.once.Do(func() {
		c.exitErr = err
		close(c.done)
	})
}

type fakeLauncher struct {
	mu       sync.Mutex
	launches []LaunchSpec
	spawned  chan *fakeChild
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{spawned: make(chan *fakeChild, 16)}
}

func (l *fakeLauncher) Launch(spec LaunchSpec) (Child, error) {
	l.mu.Lock()
	l.launches = append(l.launches, spec)
	l.mu.Unlock()
	c := newFakeChild()
	l.spawned <- c
	return c, nil
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launches)
}

type fakeManifests struct {
	mu   sync.Mutex
	exts map[hostkit.ExtensionID]*registry.Extension
}

func (f *fakeManifests) All() []*registry.Extension {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*registry.Extension
	for _, e := range f.exts {
		out = append(out, e)
	}
	return out
}

func (f *fakeManifests) Get(id hostkit.ExtensionID) (*registry.Extension, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.exts[id]
	return e, ok
}

func longLivedExtension(id string) *registry.Extension {
	return &registry.Extension{
		Manifest: registry.Manifest{
			ID:       hostkit.ExtensionID(id),
			Version:  "1.0.0",
			Name:     id,
			Runtimes: []string{registry.RuntimeNode},
			Instructions: []registry.Instructions{{
				Events: []string{hostkit.ManifestEventProcessStarted},
				Execution: registry.Execution{
					Executable: "${node}",
					Arguments:  []string{"main.js", "--id", "${extensionId}", "--key", "${apiKey}"},
				},
			}},
		},
		Status:     registry.StatusEnabled,
		InstallDir: "/tmp/ext/" + id,
	}
}

func shortLivedExtension(id string, events ...string) *registry.Extension {
	return &registry.Extension{
		Manifest: registry.Manifest{
			ID:       hostkit.ExtensionID(id),
			Version:  "1.0.0",
			Name:     id,
			Runtimes: []string{registry.RuntimeBinary},
			Instructions: []registry.Instructions{{
				Events: events,
				Execution: registry.Execution{
					Executable: "/usr/local/bin/tagger",
					Arguments:  []string{"--image", "${imageId}", "--url", "${imageUrl}"},
				},
			}},
		},
		Status:     registry.StatusEnabled,
		InstallDir: "/tmp/ext/" + id,
	}
}

type fixture struct {
	sup       *Supervisor
	bus       *bus.Bus
	launcher  *fakeLauncher
	manifests *fakeManifests
	metrics   *observability.HostMetrics
	clk       *clock.Fake
}

func newFixture(t *testing.T, exts ...*registry.Extension) *fixture {
	t.Helper()
	m := &fakeManifests{exts: map[hostkit.ExtensionID]*registry.Extension{}}
	for _, e := range exts {
		m.exts[e.Manifest.ID] = e
	}
	b := bus.New()
	l := newFakeLauncher()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	metrics := observability.NewHostMetrics()
	sup := New(Config{MaxConsecutiveRestarts: 3, Metrics: metrics}, m, b, clk, l, nil)
	go sup.Run()
	t.Cleanup(func() {
		sup.Close()
		b.Close()
	})
	return &fixture{sup: sup, bus: b, launcher: l, manifests: m, metrics: metrics, clk: clk}
}

func TestStart_WrongStateRejected(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sup.Start("http://localhost:7442", nil))
	err := f.sup.Start("http://localhost:7442", nil)
	require.Error(t, err)
	require.Equal(t, StateStarted, f.sup.State())
}

func TestStop_WrongStateRejected(t *testing.T) {
	f := newFixture(t)
	require.Error(t, f.sup.Stop())
}

func TestStart_LaunchesLongLivedChildrenWithResolvedArgs(t *testing.T) {
	f := newFixture(t, longLivedExtension("tagger"))

	keys := map[hostkit.ExtensionID]string{"tagger": "abcdefghijklmnopqrstuvwxyzabcdefghij"}
	require.NoError(t, f.sup.Start("http://localhost:7442", keys))

	require.Equal(t, 1, f.launcher.launchCount())
	require.Equal(t, 1, f.sup.LiveChildren("tagger"))

	spec := f.launcher.launches[0]
	require.Equal(t, InvokeNode, spec.Style)
	require.Equal(t, []string{"main.js", "--id", "tagger", "--key", "abcdefghijklmnopqrstuvwxyzabcdefghij"}, spec.Args)
	require.Equal(t, "/tmp/ext/tagger", spec.Dir)
}

func TestRestartCap_ThreeStartsThenError(t *testing.T) {
	f := newFixture(t, longLivedExtension("flaky"))

	var mu sync.Mutex
	var errorEvents []ProcessEvent
	off, err := f.bus.Subscribe("extension.error", func(_ string, p bus.Payload) {
		mu.Lock()
		errorEvents = append(errorEvents, p.(ProcessEvent))
		mu.Unlock()
	})
	require.NoError(t, err)
	defer off()

	require.NoError(t, f.sup.Start("http://localhost:7442", map[hostkit.ExtensionID]string{"flaky": "k"}))

	// Exit each spawned child as it comes up: three total starts.
	for i := 0; i < 3; i++ {
		select {
		case c := <-f.launcher.spawned:
			c.exit(nil)
		case <-time.After(time.Second):
			t.Fatalf("child %d was never spawned", i)
		}
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errorEvents) == 1
	}, time.Second, 5*time.Millisecond)

	// No fourth restart.
	select {
	case <-f.launcher.spawned:
		t.Fatal("supervisor restarted past the consecutive-failure cap")
	case <-time.After(50 * time.Millisecond):
	}
	require.Equal(t, 3, f.launcher.launchCount())
	require.Equal(t, 0, f.sup.LiveChildren("flaky"))
	require.EqualValues(t, 3, f.metrics.ChildLaunches.Value())
	require.EqualValues(t, 2, f.metrics.ChildRestarts.Value())
	require.EqualValues(t, 1, f.metrics.ChildFailures.Value())
	require.EqualValues(t, 0, f.metrics.ChildrenAlive.Value())
}

func TestRestartCounter_DecaysAfterLongUptime(t *testing.T) {
	f := newFixture(t, longLivedExtension("steady"))
	require.NoError(t, f.sup.Start("http://localhost:7442", map[hostkit.ExtensionID]string{"steady": "k"}))

	// Two quick failures, then a long-running child: the counter resets
	// and the next exit is failure #1, not #3.
	for i := 0; i < 2; i++ {
		c := <-f.launcher.spawned
		c.exit(nil)
	}
	c := <-f.launcher.spawned
	f.clk.Advance(2 * time.Minute)
	c.exit(nil)

	select {
	case <-f.launcher.spawned:
	case <-time.After(time.Second):
		t.Fatal("expected a restart after the counter decayed")
	}
}

func TestResumeAfterCap_RestartsAgain(t *testing.T) {
	f := newFixture(t, longLivedExtension("flaky"))
	require.NoError(t, f.sup.Start("http://localhost:7442", map[hostkit.ExtensionID]string{"flaky": "k"}))

	for i := 0; i < 3; i++ {
		c := <-f.launcher.spawned
		c.exit(nil)
	}
	require.Eventually(t, func() bool { return f.sup.LiveChildren("flaky") == 0 }, time.Second, 5*time.Millisecond)

	f.sup.ResetFailures("flaky")
	require.NoError(t, f.sup.StartProcesses(map[hostkit.ExtensionID]string{"flaky": "k"}))

	select {
	case <-f.launcher.spawned:
	case <-time.After(time.Second):
		t.Fatal("expected a fresh child after failures were reset")
	}
}

func TestImageEventFanOut_ShortLived(t *testing.T) {
	f := newFixture(t,
		shortLivedExtension("thumbs", hostkit.ManifestEventImageCreated),
		longLivedExtension("resident"),
	)
	require.NoError(t, f.sup.Start("http://localhost:7442", nil))
	<-f.launcher.spawned // resident's long-lived child

	require.NoError(t, f.sup.OnImageEvent(ImageEvent{
		Name:     "image.created",
		ImageID:  "img-1",
		ImageURL: "http://localhost:7442/images/img-1",
	}))

	c := <-f.launcher.spawned
	_ = c
	specs := f.launcher.launches
	last := specs[len(specs)-1]
	require.Equal(t, InvokeDirect, last.Style)
	require.Equal(t, []string{"--image", "img-1", "--url", "http://localhost:7442/images/img-1"}, last.Args)
}

func TestImageDeleted_BindsOnlyImageID(t *testing.T) {
	f := newFixture(t, shortLivedExtension("thumbs", hostkit.ManifestEventImageDeleted))
	require.NoError(t, f.sup.Start("http://localhost:7442", nil))

	require.NoError(t, f.sup.OnImageEvent(ImageEvent{Name: "image.deleted", ImageID: "img-9"}))

	<-f.launcher.spawned
	last := f.launcher.launches[len(f.launcher.launches)-1]
	require.Equal(t, []string{"--image", "img-9", "--url", ""}, last.Args)
}

func TestImageEvent_SkipsNonDeclaringAndLongLived(t *testing.T) {
	f := newFixture(t,
		shortLivedExtension("other", hostkit.ManifestEventImageUpdated),
		longLivedExtension("resident"),
	)
	require.NoError(t, f.sup.Start("http://localhost:7442", nil))
	<-f.launcher.spawned // resident

	require.NoError(t, f.sup.OnImageEvent(ImageEvent{Name: "image.created", ImageID: "img-1"}))

	select {
	case <-f.launcher.spawned:
		t.Fatal("no extension declares image.created, nothing should launch")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStopProcesses_TerminatesGracefully(t *testing.T) {
	f := newFixture(t, longLivedExtension("tagger"))
	require.NoError(t, f.sup.Start("http://localhost:7442", map[hostkit.ExtensionID]string{"tagger": "k"}))

	c := <-f.launcher.spawned
	require.NoError(t, f.sup.StopProcesses([]hostkit.ExtensionID{"tagger"}))

	c.mu.Lock()
	terminated := c.terminated
	c.mu.Unlock()
	require.True(t, terminated)
	require.Equal(t, 0, f.sup.LiveChildren("tagger"))

	// An intentional stop never triggers a restart.
	select {
	case <-f.launcher.spawned:
		t.Fatal("stopped child was restarted")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStop_TransitionsToStoppedAndRefusesCommands(t *testing.T) {
	f := newFixture(t, longLivedExtension("tagger"))
	require.NoError(t, f.sup.Start("http://localhost:7442", map[hostkit.ExtensionID]string{"tagger": "k"}))
	<-f.launcher.spawned

	require.NoError(t, f.sup.Stop())
	require.Equal(t, StateStopped, f.sup.State())

	err := f.sup.OnImageEvent(ImageEvent{Name: "image.created", ImageID: "x"})
	require.Error(t, err)
}
