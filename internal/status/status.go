// Package status publishes this node's heartbeat and tracks the heartbeats
// of other notes nodes on the bus.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-notes/internal/bus"
	"github.com/loqalabs/loqa-notes/internal/config"
	"github.com/loqalabs/loqa-notes/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Reporter supplies the local state carried by each heartbeat.
type Reporter interface {
	State() string
	Lines() int
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func() (state string, lines int)

func (f ReporterFunc) State() string {
	state, _ := f()
	return state
}

func (f ReporterFunc) Lines() int {
	_, lines := f()
	return lines
}

type NodeInfo struct {
	ID       string    `json:"id"`
	NoteID   string    `json:"note_id"`
	State    string    `json:"state"`
	Lines    int       `json:"lines"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

type Publisher struct {
	cfg      config.NodeConfig
	noteID   string
	reporter Reporter
	bus      *bus.Client
	log      *slog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	nodes map[string]*NodeInfo

	cancel context.CancelFunc
	wg     sync.WaitGroup
	sub    *nats.Subscription

	published metric.Int64Counter
}

func NewPublisher(ctx context.Context, cfg config.NodeConfig, noteID string, reporter Reporter, busClient *bus.Client, log *slog.Logger) (*Publisher, error) {
	ctx, cancel := context.WithCancel(ctx)
	p := &Publisher{
		cfg:      cfg,
		noteID:   noteID,
		reporter: reporter,
		bus:      busClient,
		log:      log.With(slog.String("component", "status")),
		now:      time.Now,
		nodes:    make(map[string]*NodeInfo),
		cancel:   cancel,
	}
	if err := p.initMetrics(); err != nil {
		p.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	sub, err := busClient.Conn().Subscribe(protocol.SubjectHeartbeatPrefix+".*", p.handleHeartbeat)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe heartbeat: %w", err)
	}
	p.sub = sub

	if err := p.Publish(); err != nil {
		p.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
	}
	p.wg.Add(1)
	go p.run(ctx, time.Duration(cfg.HeartbeatInterval)*time.Millisecond)
	return p, nil
}

func (p *Publisher) Close() {
	p.cancel()
	p.wg.Wait()
	if p.sub != nil {
		_ = p.sub.Unsubscribe()
	}
}

func (p *Publisher) run(ctx context.Context, interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Publish(); err != nil {
				p.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			p.evaluateHealth(p.now(), 3*interval)
		}
	}
}

// Publish sends one heartbeat now.
func (p *Publisher) Publish() error {
	msg := protocol.Heartbeat{
		NodeID:    p.cfg.ID,
		NoteID:    p.noteID,
		State:     p.reporter.State(),
		Lines:     p.reporter.Lines(),
		Timestamp: p.now().UTC(),
	}
	if err := p.bus.PublishJSON(protocol.SubjectHeartbeatPrefix+"."+p.cfg.ID, msg); err != nil {
		return err
	}
	if p.published != nil {
		p.published.Add(context.Background(), 1)
	}
	return nil
}

func (p *Publisher) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		p.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.NodeID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = p.now().UTC()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	node, ok := p.nodes[hb.NodeID]
	if !ok {
		node = &NodeInfo{ID: hb.NodeID}
		p.nodes[hb.NodeID] = node
	}
	node.NoteID = hb.NoteID
	node.State = hb.State
	node.Lines = hb.Lines
	node.LastSeen = hb.Timestamp
	node.Healthy = true
}

func (p *Publisher) evaluateHealth(now time.Time, timeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, node := range p.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Nodes lists every node seen on the bus, this one included, by id.
func (p *Publisher) Nodes() []NodeInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	nodes := make([]NodeInfo, 0, len(p.nodes))
	for _, node := range p.nodes {
		nodes = append(nodes, *node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

func (p *Publisher) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-notes/status")
	published, err := meter.Int64Counter("notes.heartbeats", metric.WithDescription("Heartbeats published by this node"))
	if err != nil {
		return err
	}
	p.published = published
	gauge, err := meter.Int64ObservableGauge("notes.nodes.healthy", metric.WithDescription("Notes nodes with a recent heartbeat"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var healthy int64
		for _, node := range p.Nodes() {
			if node.Healthy {
				healthy++
			}
		}
		obs.ObserveInt64(gauge, healthy)
		return nil
	}, gauge)
	return err
}
