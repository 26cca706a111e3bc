// Package gateway accepts the persistent bidirectional sockets that
// extensions and the one privileged master client hold open against the
// host. It routes bus events outward (manifest-declared
// subscriptions, marker filtering, master-only for unmarked events)
// and routes inbound notifications (log, notification, acknowledgment,
// intent) back onto the bus or into the pending-call table.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/corvidlabs/pixolith/pkg/bus"
	"github.com/corvidlabs/pixolith/pkg/clock"
	"github.com/corvidlabs/pixolith/pkg/credentials"
	"github.com/corvidlabs/pixolith/pkg/hostkit"
	"github.com/corvidlabs/pixolith/pkg/observability"
	"github.com/corvidlabs/pixolith/pkg/registry"
)

// WireMessage is the single multiplexed frame format on an extension
// socket. Inbound frames use Channel "connection" or "notifications";
// outbound event frames carry the bus event name as Channel, plus the
// per-delivery context id and emission time in epoch milliseconds.
// Outbound intent results use Channel "return" addressed by the
// intent's own context id.
type WireMessage struct {
	Channel      string          `json:"channel"`
	ContextID    string          `json:"contextId,omitempty"`
	Milliseconds int64           `json:"milliseconds,omitempty"`
	Value        json.RawMessage `json:"value,omitempty"`
}

// ConnectionPayload announces a socket on the "connection" channel.
type ConnectionPayload struct {
	APIKey      string              `json:"apiKey"`
	IsOpen      bool                `json:"isOpen"`
	ExtensionID hostkit.ExtensionID `json:"extensionId,omitempty"`
	SDKVersion  string              `json:"sdkVersion,omitempty"`
	Runtime     string              `json:"runtime,omitempty"`
}

// NotificationPayload is an inbound frame on the "notifications"
// channel, discriminated by its single non-nil body field.
type NotificationPayload struct {
	APIKey         string              `json:"apiKey"`
	ExtensionID    hostkit.ExtensionID `json:"extensionId"`
	ContextID      string              `json:"contextId,omitempty"`
	Log            *LogNotification    `json:"log,omitempty"`
	Notification   json.RawMessage     `json:"notification,omitempty"`
	Acknowledgment *Acknowledgment     `json:"acknowledgment,omitempty"`
	Intent         *Intent             `json:"intent,omitempty"`
}

// LogNotification relays an extension log line to the bus.
type LogNotification struct {
	Log   string `json:"log"`
	Level string `json:"level"`
}

// Acknowledgment resolves a pending delivery.
type Acknowledgment struct {
	ContextID string          `json:"contextId"`
	Success   bool            `json:"success"`
	Value     json.RawMessage `json:"value,omitempty"`
}

// LogEvent is the bus payload republished for extension.log.
type LogEvent struct {
	ExtensionID hostkit.ExtensionID `json:"extensionId"`
	Log         string              `json:"log"`
	Level       string              `json:"level"`
}

// NotificationEvent is the bus payload republished for
// extension.notification.
type NotificationEvent struct {
	ExtensionID hostkit.ExtensionID `json:"extensionId"`
	Body        json.RawMessage     `json:"body"`
}

// AckEvent is forwarded to the master as extension.acknowledgment so the
// UI knows a command completed.
type AckEvent struct {
	ExtensionID hostkit.ExtensionID `json:"extensionId"`
	ContextID   string              `json:"contextId"`
	Success     bool                `json:"success"`
}

// ExtensionSource is the registry surface the gateway reads and updates.
// *registry.Registry satisfies it.
type ExtensionSource interface {
	Get(id hostkit.ExtensionID) (*registry.Extension, bool)
	SetActivity(id hostkit.ExtensionID, activity registry.Activity)
}

type socket struct {
	id          string
	conn        *websocket.Conn
	ctx         context.Context
	extensionID hostkit.ExtensionID // empty for the master socket
	sdkVersion  string
	runtime     string
	subscribed  map[hostkit.EventName]bool
	connectedAt time.Time

	writeMu sync.Mutex
}

func (s *socket) isMaster() bool { return s.extensionID == "" }

func (s *socket) write(msg WireMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wsjson.Write(s.ctx, s.conn, msg)
}

type pendingCall struct {
	createdAt   time.Time
	extensionID hostkit.ExtensionID
	// callbackID addresses the bus emitter awaiting this acknowledgment,
	// empty when the delivery had no result sink.
	callbackID string
	// onAck, when set, takes over resolution entirely (intent round
	// trips resolve back to the originating extension socket).
	onAck func(ack Acknowledgment, err error)
}

// Config configures the Gateway.
type Config struct {
	// Path is the HTTP route of the socket endpoint.
	Path string
	// Metrics, when set, receives socket, pending-call and delivery
	// counts.
	Metrics *observability.HostMetrics
}

// Gateway is the socket gateway.
type Gateway struct {
	cfg         Config
	bus         *bus.Bus
	credentials *credentials.Store
	extensions  ExtensionSource
	clock       clock.Clock
	logger      *slog.Logger

	mu          sync.RWMutex
	closed      bool
	sockets     map[string]*socket
	byExtension map[hostkit.ExtensionID][]string
	masterID    string
	pending     map[string]*pendingCall

	offBus  bus.OffFunc
	httpSrv *http.Server
}

// New creates a Gateway and subscribes it to every bus event.
func New(cfg Config, b *bus.Bus, creds *credentials.Store, extensions ExtensionSource, c clock.Clock, logger *slog.Logger) *Gateway {
	if cfg.Path == "" {
		cfg.Path = "/extensions/socket"
	}
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		cfg:         cfg,
		bus:         b,
		credentials: creds,
		extensions:  extensions,
		clock:       c,
		logger:      logger,
		sockets:     make(map[string]*socket),
		byExtension: make(map[hostkit.ExtensionID][]string),
		pending:     make(map[string]*pendingCall),
	}
	g.offBus = b.SubscribeAll(g.route)
	return g
}

// Handler returns the HTTP handler exposing the socket endpoint.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(g.cfg.Path, g.handleSocket)
	return mux
}

// Serve runs an HTTP server for the socket endpoint on addr.
func (g *Gateway) Serve(ctx context.Context, addr string) error {
	g.httpSrv = &http.Server{
		Addr:    addr,
		Handler: g.Handler(),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	g.logger.Info("socket gateway listening", "addr", addr, "path", g.cfg.Path)
	err := g.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close disconnects every socket, cancels the bus subscription, and
// rejects all pending acknowledgments with "gateway closed".
func (g *Gateway) Close(ctx context.Context) error {
	g.offBus()

	g.mu.Lock()
	g.closed = true
	pending := g.pending
	g.pending = make(map[string]*pendingCall)
	for _, s := range g.sockets {
		s.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	g.sockets = make(map[string]*socket)
	g.byExtension = make(map[hostkit.ExtensionID][]string)
	g.masterID = ""
	g.mu.Unlock()

	for _, p := range pending {
		g.reject(p, "gateway closed")
	}
	if m := g.cfg.Metrics; m != nil {
		m.SocketsConnected.Set(0)
		m.PendingCalls.Set(0)
	}

	if g.httpSrv != nil {
		return g.httpSrv.Shutdown(ctx)
	}
	return nil
}

func (g *Gateway) reject(p *pendingCall, reason string) {
	if p.onAck != nil {
		p.onAck(Acknowledgment{}, errGatewayClosed(reason))
		return
	}
	if p.callbackID != "" {
		g.bus.Reply(p.callbackID, bus.Result{Err: errGatewayClosed(reason)})
	}
}

type gatewayClosedError string

func (e gatewayClosedError) Error() string { return string(e) }

func errGatewayClosed(reason string) error { return gatewayClosedError(reason) }

// handleSocket upgrades the connection and runs its read loop. The first
// frame must be a "connection" announcement with isOpen=true.
func (g *Gateway) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Error("websocket accept failed", "error", err)
		return
	}

	ctx := r.Context()
	var first WireMessage
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		conn.Close(websocket.StatusProtocolError, "connection announcement required")
		return
	}
	if first.Channel != "connection" {
		conn.Close(websocket.StatusProtocolError, "expected connection frame")
		return
	}
	var announce ConnectionPayload
	if err := json.Unmarshal(first.Value, &announce); err != nil || !announce.IsOpen {
		conn.Close(websocket.StatusProtocolError, "malformed connection frame")
		return
	}

	sock, err := g.register(ctx, conn, r, announce)
	if err != nil {
		g.logger.Warn("socket rejected", "remote", r.RemoteAddr, "error", err)
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	g.logger.Info("socket connected",
		"socket_id", sock.id,
		"extension_id", sock.extensionID,
		"master", sock.isMaster(),
		"remote", r.RemoteAddr,
	)

	g.readLoop(ctx, sock)
	g.unregister(sock)
}

// register authenticates the announcement and indexes the socket.
func (g *Gateway) register(ctx context.Context, conn *websocket.Conn, r *http.Request, announce ConnectionPayload) (*socket, error) {
	resolved, err := g.credentials.Resolve(ctx, announce.APIKey)
	if err != nil {
		return nil, err
	}

	sock := &socket{
		id:          uuid.NewString(),
		conn:        conn,
		ctx:         ctx,
		sdkVersion:  announce.SDKVersion,
		runtime:     announce.Runtime,
		connectedAt: g.clock.Now(),
	}

	if announce.ExtensionID != "" {
		// An extension socket must present its own key, or the master key.
		if !resolved.IsMaster && resolved.ExtensionID != announce.ExtensionID {
			return nil, errGatewayClosed("api key does not belong to extension " + string(announce.ExtensionID))
		}
		ext, ok := g.extensions.Get(announce.ExtensionID)
		if !ok {
			return nil, errGatewayClosed("unknown extension " + string(announce.ExtensionID))
		}
		sock.extensionID = announce.ExtensionID
		sock.subscribed = subscribedEvents(ext)
	} else if !resolved.IsMaster {
		return nil, errGatewayClosed("master key required for a non-extension socket")
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, errGatewayClosed("gateway closed")
	}
	g.sockets[sock.id] = sock
	if sock.isMaster() {
		if prior, ok := g.sockets[g.masterID]; ok && prior != sock {
			prior.conn.Close(websocket.StatusGoingAway, "replaced by a newer master socket")
			delete(g.sockets, g.masterID)
		}
		g.masterID = sock.id
	} else {
		g.byExtension[sock.extensionID] = append(g.byExtension[sock.extensionID], sock.id)
	}
	g.mu.Unlock()

	if m := g.cfg.Metrics; m != nil {
		m.SocketsConnected.Inc()
	}
	if !sock.isMaster() {
		g.extensions.SetActivity(sock.extensionID, registry.ActivityConnected)
	}
	return sock, nil
}

// unregister reverses the indices. extension.process.stopped is emitted
// only when the supervisor considered the extension long-lived.
func (g *Gateway) unregister(sock *socket) {
	g.mu.Lock()
	if current, ok := g.sockets[sock.id]; !ok || current != sock {
		g.mu.Unlock()
		return
	}
	delete(g.sockets, sock.id)
	if sock.isMaster() {
		if g.masterID == sock.id {
			g.masterID = ""
		}
	} else {
		ids := g.byExtension[sock.extensionID]
		for i, id := range ids {
			if id == sock.id {
				ids = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(ids) == 0 {
			delete(g.byExtension, sock.extensionID)
		} else {
			g.byExtension[sock.extensionID] = ids
		}
	}
	g.mu.Unlock()

	g.logger.Info("socket disconnected", "socket_id", sock.id, "extension_id", sock.extensionID)
	if m := g.cfg.Metrics; m != nil {
		m.SocketsConnected.Dec()
	}

	if sock.isMaster() {
		return
	}
	g.extensions.SetActivity(sock.extensionID, registry.ActivityConnecting)
	if ext, ok := g.extensions.Get(sock.extensionID); ok && ext.RequiresLongLivedSocket() {
		g.bus.Publish("extension.process.stopped", map[string]any{
			"extensionId": sock.extensionID,
		})
	}
}

func (g *Gateway) readLoop(ctx context.Context, sock *socket) {
	for {
		var msg WireMessage
		if err := wsjson.Read(ctx, sock.conn, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 {
				g.logger.Debug("socket closed", "socket_id", sock.id)
			} else {
				g.logger.Error("socket read failed", "socket_id", sock.id, "error", err)
			}
			return
		}

		switch msg.Channel {
		case "connection":
			var payload ConnectionPayload
			if err := json.Unmarshal(msg.Value, &payload); err == nil && !payload.IsOpen {
				sock.conn.Close(websocket.StatusNormalClosure, "client closed")
				return
			}
		case "notifications":
			var payload NotificationPayload
			if err := json.Unmarshal(msg.Value, &payload); err != nil {
				g.logger.Warn("malformed notification", "socket_id", sock.id, "error", err)
				continue
			}
			g.handleNotification(ctx, sock, payload)
		default:
			g.logger.Debug("unknown channel from socket", "channel", msg.Channel, "socket_id", sock.id)
		}
	}
}

// handleNotification routes an inbound payload on its discriminator.
func (g *Gateway) handleNotification(ctx context.Context, sock *socket, payload NotificationPayload) {
	switch {
	case payload.Acknowledgment != nil:
		g.resolveAck(sock, *payload.Acknowledgment)
	case payload.Log != nil:
		g.bus.Publish("extension.log", LogEvent{
			ExtensionID: sock.extensionID,
			Log:         payload.Log.Log,
			Level:       payload.Log.Level,
		})
	case payload.Notification != nil:
		g.bus.Publish("extension.notification", NotificationEvent{
			ExtensionID: sock.extensionID,
			Body:        payload.Notification,
		})
	case payload.Intent != nil:
		g.handleIntent(ctx, sock, payload.ContextID, *payload.Intent)
	default:
		g.logger.Warn("notification without a body", "socket_id", sock.id)
	}
}

// resolveAck resolves the pending call for the acknowledged context id
// and forwards extension.acknowledgment to the master.
func (g *Gateway) resolveAck(sock *socket, ack Acknowledgment) {
	g.mu.Lock()
	p, ok := g.pending[ack.ContextID]
	if ok {
		delete(g.pending, ack.ContextID)
	}
	g.mu.Unlock()
	if !ok {
		g.logger.Debug("acknowledgment for unknown context", "context_id", ack.ContextID)
		return
	}
	if m := g.cfg.Metrics; m != nil {
		m.PendingCalls.Dec()
		m.DeliveryLatency.Observe(g.clock.Now().Sub(p.createdAt).Seconds())
	}

	if p.onAck != nil {
		p.onAck(ack, nil)
	} else if p.callbackID != "" {
		var value any
		if len(ack.Value) > 0 {
			json.Unmarshal(ack.Value, &value)
		}
		if ack.Success {
			g.bus.Reply(p.callbackID, bus.Result{Payload: value})
		} else {
			g.bus.Reply(p.callbackID, bus.Result{Err: errGatewayClosed("extension reported failure")})
		}
	}

	g.bus.Publish("extension.acknowledgment", AckEvent{
		ExtensionID: p.extensionID,
		ContextID:   ack.ContextID,
		Success:     ack.Success,
	})
}

// route delivers one bus event to every eligible socket.
func (g *Gateway) route(ev bus.Event) {
	g.mu.RLock()
	targets := make([]*socket, 0, 2)
	for _, sock := range g.sockets {
		if sock.isMaster() {
			if ev.Marker == "" {
				targets = append(targets, sock)
			}
			continue
		}
		if !sock.subscribed[ev.Name] {
			continue
		}
		if ev.Marker != "" && ev.Marker != string(sock.extensionID) {
			continue
		}
		targets = append(targets, sock)
	}
	g.mu.RUnlock()

	for _, sock := range targets {
		g.deliver(sock, ev)
	}
}

// deliver sends one event to one socket with a fresh context id. When
// the emitter attached a result sink, or the target is an extension, the
// delivery is recorded in the pending table so the inbound
// acknowledgment can resolve it; otherwise it is fire-and-forget.
func (g *Gateway) deliver(sock *socket, ev bus.Event) {
	contextID := uuid.NewString()
	value, err := json.Marshal(ev.Payload)
	if err != nil {
		g.logger.Error("event payload not serializable", "event", ev.Name, "error", err)
		return
	}

	awaited := ev.CallbackID != "" || !sock.isMaster()
	if awaited {
		g.mu.Lock()
		g.pending[contextID] = &pendingCall{
			createdAt:   g.clock.Now(),
			extensionID: sock.extensionID,
			callbackID:  ev.CallbackID,
		}
		g.mu.Unlock()
	}
	if m := g.cfg.Metrics; m != nil {
		m.DeliveriesTotal.Inc()
		if awaited {
			m.PendingCalls.Inc()
		}
	}

	msg := WireMessage{
		Channel:      string(ev.Name),
		ContextID:    contextID,
		Milliseconds: g.clock.Now().UnixMilli(),
		Value:        value,
	}
	if err := sock.write(msg); err != nil {
		g.logger.Warn("event delivery failed", "socket_id", sock.id, "event", ev.Name, "error", err)
		if m := g.cfg.Metrics; m != nil {
			m.DeliveryErrors.Inc()
		}
		if awaited {
			g.mu.Lock()
			p := g.pending[contextID]
			delete(g.pending, contextID)
			g.mu.Unlock()
			if p != nil {
				g.reject(p, "delivery failed")
				if m := g.cfg.Metrics; m != nil {
					m.PendingCalls.Dec()
				}
			}
		}
	}
}

// ConnectedExtensions lists extensions with at least one active socket.
func (g *Gateway) ConnectedExtensions() []hostkit.ExtensionID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]hostkit.ExtensionID, 0, len(g.byExtension))
	for id := range g.byExtension {
		out = append(out, id)
	}
	return out
}

// HasMaster reports whether a master socket is currently active.
func (g *Gateway) HasMaster() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.masterID != ""
}

// PendingCalls reports the number of outstanding acknowledgments.
func (g *Gateway) PendingCalls() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.pending)
}

// subscribedEvents computes the extension's subscribed bus events: the
// union of events in every instructions entry mapped to bus names, plus
// extension.settings implicitly.
func subscribedEvents(ext *registry.Extension) map[hostkit.EventName]bool {
	out := map[hostkit.EventName]bool{
		"extension.settings": true,
	}
	for _, instr := range ext.Manifest.Instructions {
		for _, ev := range instr.Events {
			if busName, ok := hostkit.ManifestEventToBusEvent[ev]; ok {
				out[busName] = true
			}
		}
	}
	return out
}
