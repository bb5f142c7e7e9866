// Command server runs coredb's page-admin TCP server: a thin network
// front end over the buffer pool, speaking the length-prefixed JSON
// protocol in pkg/wire.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"

	"github.com/coredb/coredb/internal/adminsvc"
	"github.com/coredb/coredb/internal/buffer"
	"github.com/coredb/coredb/internal/config"
	"github.com/coredb/coredb/internal/disk"
	"github.com/coredb/coredb/internal/replacer"
	"github.com/coredb/coredb/pkg/wire"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "coredb.yaml", "path to coredb yaml config")
	flag.Parse()

	cfg := config.Default()
	if loaded, err := config.Load(afero.NewOsFs(), cfgPath); err == nil {
		cfg = loaded
	} else {
		slog.Warn("server: using default config", "path", cfgPath, "err", err)
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		slog.Error("server: create data dir", "dir", cfg.Storage.DataDir, "err", err)
		os.Exit(1)
	}

	dm := disk.NewManager()
	pool := buffer.New(cfg.Pool.Size, dm, replacer.New(cfg.Pool.Size))
	session := adminsvc.New(dm, pool)

	if err := run(cfg.Server.Address, session, dm); err != nil {
		slog.Error("server: exited with error", "err", err)
		os.Exit(1)
	}
}

func run(addr string, session *adminsvc.Session, dm *disk.Manager) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer func() { _ = ln.Close() }()

	slog.Info("server: listening", "addr", addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
		_ = dm.CloseAll()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			slog.Warn("server: accept", "err", err)
			continue
		}
		go handleConn(ctx, conn, session)
	}
}

func handleConn(ctx context.Context, conn net.Conn, session *adminsvc.Session) {
	defer func() { _ = conn.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var req wire.AdminRequest
		if err := wire.ReadFrame(conn, &req); err != nil {
			return
		}

		resp := session.Handle(req)
		if err := wire.WriteFrame(conn, resp); err != nil {
			return
		}
	}
}
