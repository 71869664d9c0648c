// Package main is a content-side peer: it mirrors a host view and runs
// JavaScript worlds that talk to the host through the framebus global.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/morezero/framebus/internal/config"
	"github.com/morezero/framebus/pkg/commsutil"
	"github.com/morezero/framebus/pkg/envelope"
	"github.com/morezero/framebus/pkg/sandbox"
	"github.com/morezero/framebus/pkg/sequence"
	"github.com/morezero/framebus/pkg/transport"
)

const logPrefix = "cmd/framebus-peer:main"

const usage = `Usage: framebus-peer [-context app://main] script.js [script.js ...]

Attaches to a framebus host as the content side of a view and evaluates each
script in the root frame's world for -context. Runs until interrupted.

Environment: PEER_TRANSPORT (comms|ws), PEER_COMMS_URL, PEER_VIEW_ID,
PEER_WS_URL, PEER_SCRIPT_TIMEOUT, PEER_LOG_LEVEL.
`

// connection is the transport side of a running peer.
type connection interface {
	Send(pkt *envelope.Packet) error
	Close() error
}

func main() {
	fs := flag.NewFlagSet("framebus-peer", flag.ExitOnError)
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	scriptContext := fs.String("context", "app://main", "script context for the given scripts")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.LoadPeerConfig()
	if err != nil {
		log.Fatalf("framebus-peer: load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("framebus-peer: %v", err)
	}
	setupLogging(cfg.LogLevel)

	scripts, err := readScripts(fs.Args())
	if err != nil {
		log.Fatalf("framebus-peer: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, cfg, envelope.ContextID(*scriptContext), scripts); err != nil {
		log.Fatalf("framebus-peer: %v", err)
	}
}

func setupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

type script struct {
	name   string
	source string
}

func readScripts(paths []string) ([]script, error) {
	out := make([]script, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read script: %w", err)
		}
		out = append(out, script{name: p, source: string(data)})
	}
	return out, nil
}

// run connects, evaluates the scripts and serves until ctx is done or the
// host goes away.
func run(ctx context.Context, cfg *config.PeerConfig, scriptContext envelope.ContextID, scripts []script) error {
	seq := sequence.New("peer", 256)
	go seq.Run(context.Background())
	defer func() {
		seq.Stop()
		<-seq.Done()
	}()

	var (
		peer   *sandbox.Peer
		conn   connection
		served <-chan struct{}
	)
	receive := func(pkt *envelope.Packet) {
		if peer != nil {
			peer.Receive(pkt)
		}
	}

	switch cfg.Transport {
	case "ws":
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		ws, err := transport.DialWebSocket(dialCtx, cfg.WSURL, transport.WSOptions{View: cfg.ViewID, Poster: seq})
		cancel()
		if err != nil {
			return err
		}
		conn = ws
		done := make(chan struct{})
		served = done
		p, err := newPeer(ws.View(), ws, cfg.ScriptTimeout)
		if err != nil {
			_ = ws.Close()
			return err
		}
		if err := seq.Sync(ctx, func() { peer = p }); err != nil {
			_ = ws.Close()
			return err
		}
		go func() {
			defer close(done)
			if err := ws.Serve(ctx, receive); err != nil {
				slog.Warn(fmt.Sprintf("%s - %v", logPrefix, err))
			}
		}()
	default:
		nc, err := commsutil.Connect(cfg.COMMSURL, "framebus-peer-"+cfg.ViewID)
		if err != nil {
			return err
		}
		defer nc.Close()
		t, err := transport.NewNATS(nc, transport.NATSOptions{
			SendSubject:    commsutil.BuildHostSubject(cfg.ViewID),
			ReceiveSubject: commsutil.BuildContentSubject(cfg.ViewID),
			Poster:         seq,
		})
		if err != nil {
			return err
		}
		conn = t
		p, err := newPeer(cfg.ViewID, t, cfg.ScriptTimeout)
		if err != nil {
			return err
		}
		if err := seq.Sync(ctx, func() { peer = p }); err != nil {
			return err
		}
		if err := t.Listen(receive); err != nil {
			return err
		}
	}
	defer conn.Close()

	for _, s := range scripts {
		var evalErr error
		if err := seq.Sync(ctx, func() {
			_, evalErr = peer.Eval(peer.RootFrame(), scriptContext, s.source)
		}); err != nil {
			return err
		}
		if evalErr != nil {
			return fmt.Errorf("%s: %w", s.name, evalErr)
		}
		slog.Info(fmt.Sprintf("%s - Loaded %s into %s", logPrefix, s.name, scriptContext))
	}

	slog.Info(fmt.Sprintf("%s - Peer for view %s is ready", logPrefix, peer.View()))
	select {
	case <-ctx.Done():
	case <-served:
		slog.Info(fmt.Sprintf("%s - Host closed the connection", logPrefix))
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ScriptTimeout)
	defer cancel()
	_ = seq.Sync(closeCtx, peer.Close)
	return nil
}

func newPeer(view string, t connection, timeout time.Duration) (*sandbox.Peer, error) {
	return sandbox.NewPeer(sandbox.PeerOptions{View: view, Transport: t, Timeout: timeout})
}
