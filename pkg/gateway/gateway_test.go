package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"

	"github.com/corvidlabs/pixolith/pkg/bus"
	"github.com/corvidlabs/pixolith/pkg/credentials"
	"github.com/corvidlabs/pixolith/pkg/hostkit"
	"github.com/corvidlabs/pixolith/pkg/observability"
	"github.com/corvidlabs/pixolith/pkg/registry"
)

const masterKey = "mmmmmmmmmmmmmmmmmmmmmmmmmmmmmmmmmmmm"

type fakeExtensions struct {
	mu         sync.Mutex
	exts       map[hostkit.ExtensionID]*registry.Extension
	activities map[hostkit.ExtensionID]registry.Activity
}

func (f *fakeExtensions) Get(id hostkit.ExtensionID) (*registry.Extension, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.exts[id]
	return e, ok
}

func (f *fakeExtensions) SetActivity(id hostkit.ExtensionID, a registry.Activity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities[id] = a
}

func (f *fakeExtensions) activity(id hostkit.ExtensionID) registry.Activity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activities[id]
}

func manifestWith(id string, events ...string) *registry.Extension {
	return &registry.Extension{
		Manifest: registry.Manifest{
			ID:       hostkit.ExtensionID(id),
			Version:  "1.0.0",
			Name:     id,
			Runtimes: []string{registry.RuntimeNode},
			Instructions: []registry.Instructions{{
				Events:    events,
				Execution: registry.Execution{Executable: "${node}", Arguments: []string{"main.js"}},
			}},
		},
		Status:     registry.StatusEnabled,
		InstallDir: "/tmp/ext/" + id,
	}
}

type gatewayFixture struct {
	bus     *bus.Bus
	creds   *credentials.Store
	exts    *fakeExtensions
	metrics *observability.HostMetrics
	gw      *Gateway
	srv     *httptest.Server
}

func newGatewayFixture(t *testing.T, exts ...*registry.Extension) *gatewayFixture {
	t.Helper()
	f := &gatewayFixture{
		bus:     bus.New(),
		creds:   credentials.New(nil, nil, nil),
		metrics: observability.NewHostMetrics(),
		exts: &fakeExtensions{
			exts:       map[hostkit.ExtensionID]*registry.Extension{},
			activities: map[hostkit.ExtensionID]registry.Activity{},
		},
	}
	f.creds.SetMasterKey(masterKey)
	for _, e := range exts {
		f.exts.exts[e.Manifest.ID] = e
	}
	f.gw = New(Config{Metrics: f.metrics}, f.bus, f.creds, f.exts, nil, nil)
	f.srv = httptest.NewServer(f.gw.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		f.gw.Close(ctx)
		f.srv.Close()
		f.bus.Close()
	})
	return f
}

func (f *gatewayFixture) dial(t *testing.T, announce ConnectionPayload) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/extensions/socket"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })

	value, err := json.Marshal(announce)
	require.NoError(t, err)
	require.NoError(t, wsjson.Write(ctx, conn, WireMessage{Channel: "connection", Value: value}))
	return conn
}

func (f *gatewayFixture) dialExtension(t *testing.T, id hostkit.ExtensionID) (*websocket.Conn, string) {
	t.Helper()
	_, key, err := f.creds.RegisterExtensionKey(id)
	require.NoError(t, err)
	conn := f.dial(t, ConnectionPayload{APIKey: key, IsOpen: true, ExtensionID: id})
	require.Eventually(t, func() bool {
		for _, got := range f.gw.ConnectedExtensions() {
			if got == id {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	return conn, key
}

func (f *gatewayFixture) dialMaster(t *testing.T) *websocket.Conn {
	t.Helper()
	conn := f.dial(t, ConnectionPayload{APIKey: masterKey, IsOpen: true})
	require.Eventually(t, f.gw.HasMaster, time.Second, 5*time.Millisecond)
	return conn
}

// connStream multiplexes reads off a connection through a single background
// goroutine, so that waiting for a message (or the absence of one) never
// hands a deadline-bound context to wsjson.Read: that would let the
// underlying library tear down the socket the moment the deadline fires,
// breaking any later read on the same connection.
type connStream struct {
	once sync.Once
	msgs chan WireMessage
}

var connStreams sync.Map // *websocket.Conn -> *connStream

func streamFor(conn *websocket.Conn) *connStream {
	v, _ := connStreams.LoadOrStore(conn, &connStream{msgs: make(chan WireMessage, 32)})
	cs := v.(*connStream)
	cs.once.Do(func() {
		go func() {
			for {
				var msg WireMessage
				if err := wsjson.Read(context.Background(), conn, &msg); err != nil {
					close(cs.msgs)
					return
				}
				cs.msgs <- msg
			}
		}()
	})
	return cs
}

// readEvent reads frames until one arrives on the given channel.
func readEvent(t *testing.T, conn *websocket.Conn, channel string) WireMessage {
	t.Helper()
	cs := streamFor(conn)
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-cs.msgs:
			if !ok {
				t.Fatalf("reading for channel %s: connection closed", channel)
			}
			if msg.Channel == channel {
				return msg
			}
		case <-timeout:
			t.Fatalf("reading for channel %s: timed out waiting for message", channel)
		}
	}
}

func expectNoEvent(t *testing.T, conn *websocket.Conn, channel string) {
	t.Helper()
	cs := streamFor(conn)
	timeout := time.After(100 * time.Millisecond)
	for {
		select {
		case msg, ok := <-cs.msgs:
			if !ok {
				return // connection closed: nothing arrived
			}
			if msg.Channel == channel {
				t.Fatalf("unexpected delivery on channel %s", channel)
			}
		case <-timeout:
			return // nothing arrived
		}
	}
}

func TestConnect_RejectsUnknownKey(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, ConnectionPayload{APIKey: "nosuchkeynosuchkeynosuchkeynosuchkey", IsOpen: true})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var msg WireMessage
	err := wsjson.Read(ctx, conn, &msg)
	require.Error(t, err)
}

func TestConnect_RejectsForeignExtensionKey(t *testing.T) {
	f := newGatewayFixture(t, manifestWith("a", hostkit.ManifestEventImageCreated), manifestWith("b", hostkit.ManifestEventImageCreated))
	_, keyA, err := f.creds.RegisterExtensionKey("a")
	require.NoError(t, err)

	conn := f.dial(t, ConnectionPayload{APIKey: keyA, IsOpen: true, ExtensionID: "b"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var msg WireMessage
	require.Error(t, wsjson.Read(ctx, conn, &msg))
}

func TestConnect_SetsActivityConnected(t *testing.T) {
	f := newGatewayFixture(t, manifestWith("tagger", hostkit.ManifestEventImageCreated))
	_, _ = f.dialExtension(t, "tagger")
	require.Equal(t, registry.ActivityConnected, f.exts.activity("tagger"))
	require.EqualValues(t, 1, f.metrics.SocketsConnected.Value())
}

func TestRoute_MasterReceivesOnlyUnmarkedEvents(t *testing.T) {
	f := newGatewayFixture(t)
	master := f.dialMaster(t)

	f.bus.Publish("extension.installed", map[string]any{"extensionId": "x"})
	msg := readEvent(t, master, "extension.installed")
	require.NotEmpty(t, msg.ContextID)
	require.NotZero(t, msg.Milliseconds)

	f.bus.PublishWithMarker("image.created", "x", map[string]any{"imageId": "1"})
	expectNoEvent(t, master, "image.created")
}

func TestRoute_ExtensionSubscriptionAndMarkerFilter(t *testing.T) {
	f := newGatewayFixture(t, manifestWith("tagger", hostkit.ManifestEventImageCreated))
	conn, _ := f.dialExtension(t, "tagger")

	// Subscribed name, foreign marker: dropped.
	f.bus.PublishWithMarker("image.created", "other", map[string]any{"imageId": "1"})
	expectNoEvent(t, conn, "image.created")

	// Subscribed name, own marker: delivered.
	f.bus.PublishWithMarker("image.created", "tagger", map[string]any{"imageId": "2"})
	msg := readEvent(t, conn, "image.created")
	var payload map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &payload))
	require.Equal(t, "2", payload["imageId"])

	// Name outside the manifest's subscribed set: dropped.
	f.bus.Publish("process.runCommand", map[string]any{"commandId": "c"})
	expectNoEvent(t, conn, "process.runCommand")
}

func TestRoute_ImplicitSettingsSubscription(t *testing.T) {
	f := newGatewayFixture(t, manifestWith("tagger", hostkit.ManifestEventImageCreated))
	conn, _ := f.dialExtension(t, "tagger")

	f.bus.PublishWithMarker("extension.settings", "tagger", map[string]any{"theme": "dark"})
	readEvent(t, conn, "extension.settings")
}

func TestAck_ResolvesResultSinkAndNotifiesMaster(t *testing.T) {
	f := newGatewayFixture(t, manifestWith("tagger", hostkit.ManifestEventImageComputeTags))
	master := f.dialMaster(t)
	conn, key := f.dialExtension(t, "tagger")

	resultCh := make(chan bus.Result, 1)
	_, err := f.bus.PublishWithResult("image.computeTags", "tagger", map[string]any{"imageId": "1"}, func(r bus.Result) {
		resultCh <- r
	})
	require.NoError(t, err)

	msg := readEvent(t, conn, "image.computeTags")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ackValue, _ := json.Marshal(map[string]any{"tags": []string{"sunset", "beach"}})
	notif, _ := json.Marshal(NotificationPayload{
		APIKey:      key,
		ExtensionID: "tagger",
		Acknowledgment: &Acknowledgment{
			ContextID: msg.ContextID,
			Success:   true,
			Value:     ackValue,
		},
	})
	require.NoError(t, wsjson.Write(ctx, conn, WireMessage{Channel: "notifications", Value: notif}))

	select {
	case r := <-resultCh:
		require.NoError(t, r.Err)
		m := r.Payload.(map[string]any)
		require.Len(t, m["tags"], 2)
	case <-time.After(2 * time.Second):
		t.Fatal("result sink was never resolved")
	}

	ackMsg := readEvent(t, master, "extension.acknowledgment")
	var ev AckEvent
	require.NoError(t, json.Unmarshal(ackMsg.Value, &ev))
	require.Equal(t, hostkit.ExtensionID("tagger"), ev.ExtensionID)
	require.True(t, ev.Success)

	// The acknowledged delivery released its pending slot.
	require.Eventually(t, func() bool {
		return f.metrics.PendingCalls.Value() == int64(f.gw.PendingCalls())
	}, time.Second, 5*time.Millisecond)
	require.NotZero(t, f.metrics.DeliveriesTotal.Value())
}

func TestLogAndNotification_RepublishOnBus(t *testing.T) {
	f := newGatewayFixture(t, manifestWith("tagger", hostkit.ManifestEventImageCreated))

	logCh := make(chan LogEvent, 1)
	off, err := f.bus.Subscribe("extension.log", func(_ string, p bus.Payload) {
		logCh <- p.(LogEvent)
	})
	require.NoError(t, err)
	defer off()

	conn, _ := f.dialExtension(t, "tagger")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	notif, _ := json.Marshal(NotificationPayload{
		ExtensionID: "tagger",
		Log:         &LogNotification{Log: "model loaded", Level: "info"},
	})
	require.NoError(t, wsjson.Write(ctx, conn, WireMessage{Channel: "notifications", Value: notif}))

	select {
	case ev := <-logCh:
		require.Equal(t, "model loaded", ev.Log)
		require.Equal(t, hostkit.ExtensionID("tagger"), ev.ExtensionID)
	case <-time.After(time.Second):
		t.Fatal("log notification was never republished")
	}
}

func TestDisconnect_EmitsProcessStoppedForLongLived(t *testing.T) {
	f := newGatewayFixture(t, manifestWith("resident", hostkit.ManifestEventProcessStarted, hostkit.ManifestEventImageCreated))

	stopped := make(chan struct{}, 1)
	off, err := f.bus.Subscribe("extension.process.stopped", func(string, bus.Payload) {
		stopped <- struct{}{}
	})
	require.NoError(t, err)
	defer off()

	conn, _ := f.dialExtension(t, "resident")
	conn.Close(websocket.StatusNormalClosure, "bye")

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("expected extension.process.stopped on disconnect")
	}
	require.Eventually(t, func() bool {
		return f.exts.activity("resident") == registry.ActivityConnecting
	}, time.Second, 5*time.Millisecond)
}

func TestIntent_ParametersRoundTrip(t *testing.T) {
	f := newGatewayFixture(t, manifestWith("palette", hostkit.ManifestEventImageCreated))
	master := f.dialMaster(t)
	conn, _ := f.dialExtension(t, "palette")

	schema := json.RawMessage(`{
	  "type": "object",
	  "required": ["favoriteColor"],
	  "properties": {"favoriteColor": {"type": "string"}}
	}`)

	send := func(requestID string) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		notif, _ := json.Marshal(NotificationPayload{
			ExtensionID: "palette",
			ContextID:   requestID,
			Intent:      &Intent{Parameters: schema},
		})
		require.NoError(t, wsjson.Write(ctx, conn, WireMessage{Channel: "notifications", Value: notif}))
	}

	reply := func(value map[string]any) {
		msg := readEvent(t, master, "extension.intent")
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		outcome, _ := json.Marshal(map[string]any{"value": value})
		notif, _ := json.Marshal(NotificationPayload{
			APIKey: masterKey,
			Acknowledgment: &Acknowledgment{
				ContextID: msg.ContextID,
				Success:   true,
				Value:     outcome,
			},
		})
		require.NoError(t, wsjson.Write(ctx, master, WireMessage{Channel: "notifications", Value: notif}))
	}

	// A conforming value resolves with that value.
	send("req-1")
	go reply(map[string]any{"favoriteColor": "yellow"})
	ret := readEvent(t, conn, "return")
	require.Equal(t, "req-1", ret.ContextID)
	var result IntentResult
	require.NoError(t, json.Unmarshal(ret.Value, &result))
	require.Empty(t, result.Error)
	require.Contains(t, string(result.Value), "yellow")

	// An empty object misses the required property and resolves {error}.
	send("req-2")
	go reply(map[string]any{})
	ret = readEvent(t, conn, "return")
	require.NoError(t, json.Unmarshal(ret.Value, &result))
	require.Contains(t, result.Error, "favoriteColor")
}

func TestIntent_ValidationFailureNeverReachesMaster(t *testing.T) {
	f := newGatewayFixture(t, manifestWith("palette", hostkit.ManifestEventImageCreated))
	master := f.dialMaster(t)
	conn, _ := f.dialExtension(t, "palette")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	notif, _ := json.Marshal(NotificationPayload{
		ExtensionID: "palette",
		ContextID:   "req-9",
		Intent:      &Intent{UI: json.RawMessage(`{"anchor": "imageDetail", "url": "panel.html"}`)},
	})
	require.NoError(t, wsjson.Write(ctx, conn, WireMessage{Channel: "notifications", Value: notif}))

	ret := readEvent(t, conn, "return")
	var result IntentResult
	require.NoError(t, json.Unmarshal(ret.Value, &result))
	require.NotEmpty(t, result.Error)

	expectNoEvent(t, master, "extension.intent")
}

func TestValidateIntent_Shapes(t *testing.T) {
	// Exactly one discriminator.
	_, reason := validateIntent(Intent{})
	require.NotEmpty(t, reason)
	_, reason = validateIntent(Intent{
		UI:     json.RawMessage(`{"anchor":"sidebar","url":"a.html"}`),
		Dialog: json.RawMessage(`{"title":"t","buttons":["ok"]}`),
	})
	require.NotEmpty(t, reason)

	shape, reason := validateIntent(Intent{UI: json.RawMessage(`{"anchor":"sidebar","url":"a.html"}`)})
	require.Empty(t, reason)
	require.Equal(t, "ui", shape)

	_, reason = validateIntent(Intent{Dialog: json.RawMessage(`{"buttons":["ok"]}`)})
	require.NotEmpty(t, reason)

	shape, reason = validateIntent(Intent{Show: json.RawMessage(`{"entity":"image","id":"img-1"}`)})
	require.Empty(t, reason)
	require.Equal(t, "show", shape)

	_, reason = validateIntent(Intent{Parameters: json.RawMessage(`{"type": "not-a-type"}`)})
	require.NotEmpty(t, reason)
}
