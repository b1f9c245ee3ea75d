// Package broadcaster streams accepted readings and periodic snapshots of the
// latest reading per device to live viewers over websockets.
package broadcaster

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/spacemeshos/meterproof/batch"
	"github.com/spacemeshos/meterproof/logging"
)

const (
	TypeReading  = "energy_reading"
	TypeSnapshot = "latest_readings"
)

var (
	viewersMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meterproof",
		Subsystem: "live",
		Name:      "viewers",
		Help:      "Number of connected live viewers",
	})
	droppedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meterproof",
		Subsystem: "live",
		Name:      "dropped_viewers_total",
		Help:      "Number of viewers disconnected for not keeping up",
	})
)

func DefaultConfig() Config {
	return Config{
		SendTimeout:      5 * time.Second,
		SnapshotInterval: 5 * time.Second,
		MaxViewers:       100,
		Backlog:          64,
	}
}

//nolint:lll
type Config struct {
	SendTimeout      time.Duration `long:"live-send-timeout"      description:"How long a write to a live viewer may take before it is disconnected"`
	SnapshotInterval time.Duration `long:"live-snapshot-interval" description:"How often the latest reading of every device is pushed to live viewers"`
	MaxViewers       int           `long:"live-max-viewers"       description:"The maximum number of concurrently connected live viewers"`
	Backlog          int           `long:"live-backlog"           description:"The number of messages queued for a viewer before it is disconnected"`
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddDuration("send-timeout", c.SendTimeout)
	enc.AddDuration("snapshot-interval", c.SnapshotInterval)
	enc.AddInt("max-viewers", c.MaxViewers)
	enc.AddInt("backlog", c.Backlog)
	return nil
}

type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Latest provides the snapshot pushed on connect and every SnapshotInterval.
type Latest interface {
	Latest() map[string]batch.Reading
}

type viewer struct {
	conn *websocket.Conn
	send chan []byte
}

type Broadcaster struct {
	cfg      Config
	latest   Latest
	upgrader websocket.Upgrader

	mu      sync.Mutex
	viewers map[*viewer]struct{}
	// slots reserved by viewers still completing the handshake
	joining int
	closed  bool
}

func New(cfg Config, latest Latest) *Broadcaster {
	return &Broadcaster{
		cfg:    cfg,
		latest: latest,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.SendTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		viewers: make(map[*viewer]struct{}),
	}
}

// Viewers returns the number of connected viewers.
func (b *Broadcaster) Viewers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.viewers)
}

// ServeHTTP upgrades the request and keeps the viewer registered until it disconnects.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context())
	if !b.reserve() {
		http.Error(w, "too many live viewers", http.StatusServiceUnavailable)
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.unreserve()
		logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	v := &viewer{conn: conn, send: make(chan []byte, b.cfg.Backlog)}
	if !b.add(v) {
		conn.Close()
		return
	}
	logger.Debug("live viewer connected", zap.String("from", r.RemoteAddr))
	go b.write(v)

	if msg, err := encode(TypeSnapshot, b.latest.Latest()); err == nil {
		b.deliver(v, msg)
	}

	// Viewers only listen. Reading detects the disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	b.remove(v)
	logger.Debug("live viewer disconnected", zap.String("from", r.RemoteAddr))
}

// reserve takes a viewer slot for the duration of the handshake.
func (b *Broadcaster) reserve() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || len(b.viewers)+b.joining >= b.cfg.MaxViewers {
		return false
	}
	b.joining++
	return true
}

func (b *Broadcaster) unreserve() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.joining--
}

// add turns a reserved slot into a registered viewer.
func (b *Broadcaster) add(v *viewer) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.joining--
	if b.closed {
		return false
	}
	b.viewers[v] = struct{}{}
	viewersMetric.Inc()
	return true
}

func (b *Broadcaster) remove(v *viewer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(v)
}

func (b *Broadcaster) removeLocked(v *viewer) {
	if _, ok := b.viewers[v]; !ok {
		return
	}
	delete(b.viewers, v)
	close(v.send)
	viewersMetric.Dec()
}

func (b *Broadcaster) deliver(v *viewer, msg []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliverLocked(v, msg)
}

func (b *Broadcaster) deliverLocked(v *viewer, msg []byte) bool {
	if _, ok := b.viewers[v]; !ok {
		return false
	}
	select {
	case v.send <- msg:
		return true
	default:
		droppedMetric.Inc()
		b.removeLocked(v)
		return false
	}
}

func (b *Broadcaster) write(v *viewer) {
	defer v.conn.Close()
	for msg := range v.send {
		_ = v.conn.SetWriteDeadline(time.Now().Add(b.cfg.SendTimeout))
		if err := v.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = v.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
		time.Now().Add(time.Second),
	)
}

func encode(msgType string, data any) ([]byte, error) {
	return json.Marshal(Message{Type: msgType, Data: data})
}

// Broadcast queues a message for every viewer and returns how many accepted it.
// Viewers whose backlog is full are disconnected.
func (b *Broadcaster) Broadcast(msgType string, data any) (int, error) {
	msg, err := encode(msgType, data)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var delivered int
	for v := range b.viewers {
		if b.deliverLocked(v, msg) {
			delivered++
		}
	}
	return delivered, nil
}

// ReadingAccepted streams a freshly ingested reading.
func (b *Broadcaster) ReadingAccepted(reading batch.Reading) {
	_, _ = b.Broadcast(TypeReading, reading)
}

// Run pushes snapshots until ctx is done and then disconnects all viewers.
func (b *Broadcaster) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("live")
	ticker := time.NewTicker(b.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.closed = true
			for v := range b.viewers {
				b.removeLocked(v)
			}
			b.mu.Unlock()
			return nil
		case <-ticker.C:
			latest := b.latest.Latest()
			if len(latest) == 0 {
				continue
			}
			n, err := b.Broadcast(TypeSnapshot, latest)
			if err != nil {
				logger.Warn("failed to encode snapshot", zap.Error(err))
				continue
			}
			logger.Debug("pushed snapshot", zap.Int("devices", len(latest)), zap.Int("viewers", n))
		}
	}
}
