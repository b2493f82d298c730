// Package capability announces this service on the bus and tracks other
// transcription nodes sharing it.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/flowstt/internal/bus"
	"github.com/loqalabs/flowstt/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce        = "flowstt.node.announce"
	SubjectHeartbeatPrefix = "flowstt.node.heartbeat."
)

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Local describes what this service offers to peers.
func Local(cfg config.Config) []Capability {
	tier := "cpu"
	if cfg.STT.GPU {
		tier = "gpu"
	}
	return []Capability{
		{Name: "stt", Tier: tier, Attributes: map[string]string{
			"engine":   cfg.STT.Mode,
			"language": cfg.STT.Language,
			"sampling": cfg.STT.Sampling,
		}},
		{Name: "capture", Attributes: map[string]string{"backend": cfg.Audio.Backend}},
	}
}

type Registry struct {
	cfg    config.NodeConfig
	caps   []Capability
	log    *slog.Logger
	conn   *nats.Conn
	mu     sync.RWMutex
	nodes  map[string]*NodeInfo
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
	meter  metric.Meter
	reg    metric.Registration
}

// NewRegistry subscribes to peer announcements, announces this node and
// starts heartbeating until Close.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, caps []Capability, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		caps:   caps,
		log:    log.With(slog.String("component", "capability-registry")),
		conn:   busClient.Conn(),
		nodes:  make(map[string]*NodeInfo),
		meter:  otel.Meter("github.com/loqalabs/flowstt/runtime"),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}

	r.wg.Add(2)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	if r.reg != nil {
		_ = r.reg.Unregister()
	}
}

func (r *Registry) subscribe() error {
	announceSub, err := r.conn.Subscribe(SubjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := r.conn.Subscribe(SubjectHeartbeatPrefix+"*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return r.conn.Flush()
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth(time.Now())
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Capabilities: r.caps,
		Timestamp:    time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Capabilities, msg.Timestamp)
	return r.conn.Publish(SubjectAnnounce, payload)
}

func (r *Registry) publishHeartbeat() error {
	payload, err := json.Marshal(heartbeatMessage{NodeID: r.cfg.ID, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}
	return r.conn.Publish(SubjectHeartbeatPrefix+r.cfg.ID, payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil || announcement.NodeID == "" {
		r.log.Warn("invalid announce message", slog.String("subject", msg.Subject))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	isNew := r.updateNode(announcement.NodeID, announcement.Capabilities, announcement.Timestamp)
	// A newcomer has not seen us yet.
	if isNew && announcement.NodeID != r.cfg.ID {
		if err := r.announce(); err != nil {
			r.log.Warn("failed to answer announce", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message", slog.String("subject", msg.Subject))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.updateNode(hb.NodeID, nil, hb.Timestamp)
}

// updateNode records a sighting and reports whether the node was unknown.
func (r *Registry) updateNode(nodeID string, capabilities []Capability, timestamp time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
		if nodeID != r.cfg.ID {
			r.log.Info("peer discovered", slog.String("node_id", nodeID))
		}
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	node.LastSeen = timestamp
	node.Healthy = true
	return !ok
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeoutMS) * time.Millisecond
	for _, node := range r.nodes {
		if node.Healthy && now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
			r.log.Warn("node heartbeat expired", slog.String("node_id", node.ID))
		}
	}
}

// Healthy reports whether this node's own heartbeat is being observed.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Nodes returns known nodes sorted by id, optionally filtered.
func (r *Registry) Nodes(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) initMetrics() error {
	gauge, err := r.meter.Int64ObservableGauge("flowstt.nodes.healthy", metric.WithDescription("Transcription nodes with a live heartbeat"))
	if err != nil {
		return err
	}
	r.reg, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, r.healthyCount())
		return nil
	}, gauge)
	return err
}

func (r *Registry) healthyCount() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, node := range r.nodes {
		if node.Healthy {
			n++
		}
	}
	return n
}
