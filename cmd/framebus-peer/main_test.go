package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/framebus/internal/config"
	"github.com/morezero/framebus/pkg/commsutil"
	"github.com/morezero/framebus/pkg/envelope"
	"github.com/morezero/framebus/pkg/messaging"
	"github.com/morezero/framebus/pkg/sequence"
	"github.com/morezero/framebus/pkg/transport"
)

const mainTestPrefix = "cmd/framebus-peer:main_test"

func TestReadScripts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.js")
	if err := os.WriteFile(path, []byte(`var a = 1;`), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := readScripts([]string{path})
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", mainTestPrefix, err)
	}
	if len(got) != 1 || got[0].name != path || got[0].source != "var a = 1;" {
		t.Errorf("%s - unexpected scripts %+v", mainTestPrefix, got)
	}

	if _, err := readScripts([]string{filepath.Join(dir, "missing.js")}); err == nil {
		t.Errorf("%s - expected error for a missing script", mainTestPrefix)
	}
}

func TestRun_AnswersHostOverComms(t *testing.T) {
	ns, err := commsserver.NewServer(&commsserver.Options{Host: "127.0.0.1", Port: 14370, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("%s - failed to create server: %v", mainTestPrefix, err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatalf("%s - server failed to start", mainTestPrefix)
	}
	defer func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	}()

	nc, err := comms.Connect(ns.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	// Host side of view "kiosk".
	seq := sequence.New("host", 64)
	go seq.Run(context.Background())
	defer seq.Stop()
	host, err := transport.NewNATS(nc, transport.NATSOptions{
		SendSubject:    commsutil.BuildContentSubject("kiosk"),
		ReceiveSubject: commsutil.BuildHostSubject("kiosk"),
		Poster:         seq,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer host.Close()
	var view *messaging.View
	if err := seq.Sync(context.Background(), func() {
		view, err = messaging.NewView(messaging.NewViewParams{ID: "kiosk", Transport: host})
	}); err != nil || view == nil {
		t.Fatalf("%s - NewView failed: %v", mainTestPrefix, err)
	}
	if err := host.Listen(func(pkt *envelope.Packet) { view.Receive(pkt) }); err != nil {
		t.Fatal(err)
	}

	cfg := &config.PeerConfig{Transport: "comms", COMMSURL: ns.ClientURL(), ViewID: "kiosk", ScriptTimeout: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, cfg, "app://main", []script{{name: "greet.js", source: `framebus.addMessageHandler("greet", function (m) { return "hi " + m.payload; });`}})
	}()

	replies := make(chan any, 16)
	deadline := time.Now().Add(5 * time.Second)
	var got any
	for got == nil && time.Now().Before(deadline) {
		_ = seq.Sync(context.Background(), func() {
			req, err := view.Root().SendMessage("app://main", "greet", "ann")
			if err != nil {
				return
			}
			req.OnReply(func(p any) { replies <- p })
		})
		select {
		case got = <-replies:
		case <-time.After(100 * time.Millisecond):
		}
	}
	if got != "hi ann" {
		t.Errorf("%s - reply = %#v, want %q", mainTestPrefix, got, "hi ann")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("%s - run returned %v", mainTestPrefix, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("%s - run did not stop", mainTestPrefix)
	}
}
