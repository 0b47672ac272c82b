package status

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-notes/internal/bus"
	"github.com/loqalabs/loqa-notes/internal/config"
	"github.com/loqalabs/loqa-notes/internal/natsserver"
	"github.com/loqalabs/loqa-notes/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func connectBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), "status-test", config.BusConfig{
		Enabled:        true,
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestPublisherSendsHeartbeats(t *testing.T) {
	client := connectBus(t)
	beats := make(chan protocol.Heartbeat, 16)
	sub, err := client.Conn().Subscribe(protocol.SubjectHeartbeatPrefix+".notes-a", func(msg *nats.Msg) {
		var hb protocol.Heartbeat
		if err := json.Unmarshal(msg.Data, &hb); err == nil {
			beats <- hb
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	reporter := ReporterFunc(func() (string, int) { return "listening", 3 })
	p, err := NewPublisher(context.Background(), config.NodeConfig{ID: "notes-a", HeartbeatInterval: 20}, "standup", reporter, client, newLogger())
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer p.Close()

	for i := 0; i < 2; i++ {
		select {
		case hb := <-beats:
			if hb.NodeID != "notes-a" || hb.NoteID != "standup" || hb.State != "listening" || hb.Lines != 3 {
				t.Fatalf("unexpected heartbeat %+v", hb)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for heartbeat %d", i)
		}
	}
}

func TestPublisherTracksPeers(t *testing.T) {
	client := connectBus(t)
	reporter := ReporterFunc(func() (string, int) { return "idle", 0 })
	p, err := NewPublisher(context.Background(), config.NodeConfig{ID: "notes-a", HeartbeatInterval: 1000}, "standup", reporter, client, newLogger())
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer p.Close()

	peer, _ := json.Marshal(protocol.Heartbeat{NodeID: "notes-b", NoteID: "retro", State: "listening", Lines: 7, Timestamp: time.Now().UTC()})
	if err := client.Conn().Publish(protocol.SubjectHeartbeatPrefix+".notes-b", peer); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		nodes := p.Nodes()
		if len(nodes) == 2 {
			if nodes[0].ID != "notes-a" || nodes[1].ID != "notes-b" || nodes[1].Lines != 7 || !nodes[1].Healthy {
				t.Fatalf("unexpected nodes %+v", nodes)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out, nodes %+v", nodes)
		}
		time.Sleep(5 * time.Millisecond)
	}

	p.evaluateHealth(time.Now().Add(time.Minute), 3*time.Second)
	for _, node := range p.Nodes() {
		if node.Healthy {
			t.Fatalf("node %s still healthy", node.ID)
		}
	}
}
