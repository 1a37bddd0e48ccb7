package vision

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/fanbridge/internal/config"
	"github.com/teslashibe/fanbridge/internal/httpc"
	"github.com/teslashibe/fanbridge/internal/log"
	"github.com/teslashibe/fanbridge/pkg/protocol"
	"github.com/teslashibe/fanbridge/pkg/state"
)

// Reconnect delay for the mode watcher.
const watchRetry = 2 * time.Second

// Relay samples a FaceSource and reports presence to the bridge. It follows
// the bridge's mode over the /ws state stream: while the bridge is in MANUAL
// no detection runs and absence is reported.
type Relay struct {
	cfg    config.VisionConfig
	source FaceSource
	client *http.Client
	logger *slog.Logger

	mu     sync.Mutex
	mode   state.Mode
	last   Result
	posted uint64
	failed uint64
}

// NewRelay creates a relay over source.
func NewRelay(cfg config.VisionConfig, source FaceSource) *Relay {
	return &Relay{
		cfg:    cfg,
		source: source,
		client: httpc.NewClient(cfg.ReportInterval),
		logger: log.Component("vision"),
		mode:   state.ModeAuto,
	}
}

// Run samples at the configured fps and reports every ReportInterval until
// ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	go r.watchMode(ctx)

	sample := time.NewTicker(time.Second / time.Duration(r.cfg.FPS))
	defer sample.Stop()
	report := time.NewTicker(r.cfg.ReportInterval)
	defer report.Stop()

	r.logger.Info("vision relay started",
		"bridge", r.cfg.BridgeURL,
		"fps", r.cfg.FPS,
		"close_range_px", r.cfg.CloseRangeFaceSize)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("vision relay stopped", "reports", r.Posted())
			return nil
		case <-sample.C:
			r.sample()
		case <-report.C:
			r.report(ctx)
		}
	}
}

// Mode returns the bridge mode last seen on the state stream.
func (r *Relay) Mode() state.Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// Last returns the most recent evaluation.
func (r *Relay) Last() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Posted returns the number of successful reports.
func (r *Relay) Posted() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.posted
}

func (r *Relay) setMode(m state.Mode) {
	r.mu.Lock()
	prev := r.mode
	r.mode = m
	if m == state.ModeManual {
		r.last = Result{}
	}
	r.mu.Unlock()
	if prev != m {
		r.logger.Info("bridge mode changed", "mode", m)
	}
}

func (r *Relay) sample() {
	if r.Mode() == state.ModeManual {
		return
	}
	faces, err := r.source.Faces()
	if err != nil {
		r.logger.Warn("frame capture failed", "error", err)
		return
	}
	res := Evaluate(faces, r.cfg.CloseRangeFaceSize)
	if r.cfg.Debug && res.FaceSize > 0 {
		r.logger.Debug("face", "size_px", res.FaceSize, "detected", res.Detected, "confidence", res.Confidence)
	}

	r.mu.Lock()
	if r.mode != state.ModeManual {
		r.last = res
	}
	r.mu.Unlock()
}

func (r *Relay) report(ctx context.Context) {
	r.mu.Lock()
	res, mode := r.last, r.mode
	r.mu.Unlock()

	detected, confidence := res.Detected, res.Confidence
	ts := time.Now().UnixMilli()
	body := protocol.VisionUpdate{
		HumanDetected: &detected,
		Confidence:    &confidence,
		Mode:          string(mode),
		Timestamp:     &ts,
	}

	err := httpc.PostJSON(ctx, r.client, strings.TrimRight(r.cfg.BridgeURL, "/")+"/api/vision-update", body, nil)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.failed++
		// Only the first failure of a streak is logged.
		if r.failed == 1 {
			r.logger.Warn("vision update failed", "error", err)
		}
		return
	}
	if r.failed > 0 {
		r.logger.Info("bridge reachable again", "failed_reports", r.failed)
	}
	r.failed = 0
	r.posted++
}

// watchMode follows the bridge's state stream until ctx is done.
func (r *Relay) watchMode(ctx context.Context) {
	wsURL, err := StreamURL(r.cfg.BridgeURL)
	if err != nil {
		r.logger.Error("invalid bridge URL, mode tracking disabled", "error", err)
		return
	}

	for {
		if err := r.followStream(ctx, wsURL); err != nil && ctx.Err() == nil {
			r.logger.Debug("state stream closed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(watchRetry):
		}
	}
}

func (r *Relay) followStream(ctx context.Context, wsURL string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.ParseMessage(data)
		if err != nil || msg.Type != protocol.TypeStateUpdate {
			continue
		}
		s, err := msg.GetState()
		if err != nil || !s.Mode.Valid() {
			continue
		}
		r.setMode(s.Mode)
	}
}

// StreamURL converts the bridge's HTTP base URL to its /ws stream URL.
func StreamURL(bridgeURL string) (string, error) {
	u, err := url.Parse(bridgeURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}
