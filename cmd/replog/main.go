// Command replog runs a feed replication peer.
//
// A peer owns one feed, either writable (it holds the feed private
// key) or read-only (it holds only the public key and verifies every
// entry it receives). Peers connect over TCP and synchronize the feed
// both ways; the side with fewer entries catches up.
//
// # Usage
//
// Create a feed and append to it:
//
//	go run ./cmd/replog -dir /tmp/feed -append "hello"
//
// Serve the feed to peers:
//
//	go run ./cmd/replog -dir /tmp/feed -key <hex> -listen :9000
//
// Sync a read-only copy from a peer:
//
//	go run ./cmd/replog -dir /tmp/copy -public <hex> -connect localhost:9000
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/replog/replog/core"
	"github.com/replog/replog/crypto"
	"github.com/replog/replog/protocol"
	"github.com/replog/replog/replication"
	"github.com/replog/replog/storage"
)

func main() {
	var (
		listenAddr  = flag.String("listen", "", "TCP address to accept peers on")
		connectAddr = flag.String("connect", "", "TCP address of a peer to sync with")
		dir         = flag.String("dir", "", "Feed storage directory (in-memory if empty)")
		keyHex      = flag.String("key", "", "Feed private key (hex; generated if empty and no -public)")
		publicHex   = flag.String("public", "", "Feed public key (hex) for a read-only peer")
		statusAddr  = flag.String("status-addr", "", "HTTP address for the status endpoint")
		appendData  = flag.String("append", "", "Append one entry to the feed and exit")
		timeout     = flag.Duration("timeout", 0, "Session inactivity timeout (0 disables)")
		verbose     = flag.Bool("v", false, "Debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	feed, err := openFeed(*dir, *keyHex, *publicHex)
	if err != nil {
		fmt.Printf("Feed error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Feed public key: %s\n", feed.PublicKey())
	fmt.Printf("Discovery key: %s\n", feed.DiscoveryKey())
	fmt.Printf("Length: %d entries, %d bytes\n", feed.Length(), feed.ByteLength())

	if *appendData != "" {
		index, err := feed.Append([]byte(*appendData))
		if err != nil {
			fmt.Printf("Append error: %v\n", err)
			os.Exit(1)
		}
		if err := feed.Flush(); err != nil {
			fmt.Printf("Flush error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Appended entry %d\n", index)
		return
	}

	if *listenAddr == "" && *connectAddr == "" {
		fmt.Println("Error: one of -listen or -connect is required")
		os.Exit(1)
	}
	if *listenAddr != "" && *connectAddr != "" {
		fmt.Println("Error: -listen and -connect are mutually exclusive")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	peer := &peer{feed: feed, log: log, timeout: *timeout}

	if *statusAddr != "" {
		go peer.serveStatus(ctx, *statusAddr)
	}

	if *listenAddr != "" {
		err = peer.listen(ctx, *listenAddr)
	} else {
		err = peer.connect(ctx, *connectAddr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	if err := feed.Flush(); err != nil {
		fmt.Printf("Flush error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Length: %d entries, %d bytes\n", feed.Length(), feed.ByteLength())
}

func openFeed(dir, keyHex, publicHex string) (*core.Core, error) {
	var store storage.Storage
	if dir == "" {
		store = storage.NewMemory()
	} else {
		fileStore, err := storage.NewFile(dir)
		if err != nil {
			return nil, err
		}
		store = fileStore
	}

	switch {
	case keyHex != "":
		raw, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("decoding private key: %w", err)
		}
		privateKey := crypto.NewPrivateKeyFromBytes(raw)
		publicKey, err := privateKey.PublicKey()
		if err != nil {
			return nil, err
		}
		return core.NewCore(store, publicKey, privateKey)
	case publicHex != "":
		publicKey, err := crypto.NewPublicKeyFromString(publicHex)
		if err != nil {
			return nil, fmt.Errorf("decoding public key: %w", err)
		}
		return core.NewCore(store, publicKey, nil)
	default:
		publicKey, privateKey, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		fmt.Printf("Generated private key: %s\n", hex.EncodeToString(privateKey.Bytes()))
		return core.NewCore(store, publicKey, privateKey)
	}
}

type peer struct {
	feed    *core.Core
	log     *slog.Logger
	timeout time.Duration

	sessions atomic.Int64
}

// listen accepts peers until ctx is canceled, one session per
// connection.
func (p *peer) listen(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	p.log.Info("listening", "addr", listener.Addr().String())
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go func() {
			if err := p.session(ctx, conn, false); err != nil {
				p.log.Warn("session ended", "remote", conn.RemoteAddr().String(), "err", err)
			}
		}()
	}
}

// connect syncs against one remote peer and returns when the session
// ends.
func (p *peer) connect(ctx context.Context, addr string) error {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return p.session(ctx, conn, true)
}

func (p *peer) session(ctx context.Context, conn net.Conn, initiator bool) error {
	p.sessions.Add(1)
	defer p.sessions.Add(-1)

	remote := conn.RemoteAddr().String()
	p.log.Info("session starting", "remote", remote, "initiator", initiator)

	link, handle, err := replication.NewLink(ctx, conn, protocol.Options{
		Initiator: initiator,
		Timeout:   p.timeout,
		Logger:    p.log.With("remote", remote),
	})
	if err != nil {
		return err
	}

	runErr := make(chan error, 1)
	go func() { runErr <- link.Run(ctx) }()

	if err := handle.Open(p.feed.PublicKey(), replication.NewCoreReplica(p.feed)); err != nil {
		return err
	}

	err = <-runErr
	p.log.Info("session finished", "remote", remote, "length", p.feed.Length(), "err", err)
	return err
}

// serveStatus exposes feed state over HTTP for monitoring.
func (p *peer) serveStatus(ctx context.Context, addr string) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"public_key":    p.feed.PublicKey().String(),
			"discovery_key": p.feed.DiscoveryKey().String(),
			"length":        p.feed.Length(),
			"byte_length":   p.feed.ByteLength(),
			"writable":      p.feed.Writable(),
			"sessions":      p.sessions.Load(),
		})
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	p.log.Info("status endpoint", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		p.log.Error("status server failed", "err", err)
	}
}
