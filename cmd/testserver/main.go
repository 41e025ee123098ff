// Package main runs the conformance test server.
//
// The server exposes the versioned HTTP/JSON control surface a test harness
// uses to reset databases and drive replicators. Replication runs on the
// in-process engine; remote endpoints it can reach are declared in the
// config file.
//
//	┌─────────────────────────────────────────┐
//	│              testserver                 │
//	├─────────────────────────────────────────┤
//	│  HTTP API (dispatcher):                 │
//	│    GET  /                    - info     │
//	│    POST /reset               - datasets │
//	│    POST /startReplicator                │
//	│    POST /getReplicatorStatus            │
//	│    POST /stopReplicator                 │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    DatabaseService  - per-client dbs    │
//	│    Manager/Registry - sessions          │
//	│    memengine        - replication       │
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - TESTSERVER_CONFIG: YAML config file (default: "testserver.yaml")
//   - TESTSERVER_LISTEN: Listen address (default: ":8080")
//   - TESTSERVER_PORT: Port advertised in the discovery file (default: 8080)
//   - TESTSERVER_URL_FILE: Discovery file (default: "server.url")
//   - TESTSERVER_DATASETS: Dataset directory (default: "datasets")
//   - TESTSERVER_LATENCY: Delay before each replication step (default: 0s)
//
// Example usage:
//
//	TESTSERVER_DATASETS=./datasets ./testserver
//
//	curl -H 'CBLTest-API-Version: 1' -H 'Content-Type: application/json' \
//	  -d '{"datasets":{"names":["db1"]}}' localhost:8080/reset
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/testserver/internal/apierr"
	"github.com/dreamware/testserver/internal/config"
	"github.com/dreamware/testserver/internal/dispatch"
	"github.com/dreamware/testserver/internal/engine/memengine"
	"github.com/dreamware/testserver/internal/replicator"
	"github.com/dreamware/testserver/internal/services"
)

// libraryVersion is reported by GET /.
const libraryVersion = "1.0.0"

// logFatal is a variable so tests can intercept fatal errors.
var logFatal = log.Fatalf

// interfaceAddrs lists the host's addresses. Tests replace it.
var interfaceAddrs = net.InterfaceAddrs

func main() {
	cfg, err := config.Load(getenv("TESTSERVER_CONFIG", "testserver.yaml"))
	if err != nil {
		logFatal("config: %v", err)
		return
	}

	srv, err := newServer(cfg)
	if err != nil {
		logFatal("setup: %v", err)
		return
	}
	log.Printf("test server %s", srv.id)

	if err := writeServerURL(cfg.URLFile, cfg.Port); err != nil {
		logFatal("discovery: %v", err)
		return
	}

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.dispatcher,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("test server listening on %s", cfg.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	srv.manager.Close()
	log.Println("test server stopped")
}

type server struct {
	dispatcher *dispatch.Dispatcher
	manager    *replicator.Manager
	dbs        *services.DatabaseService
	engine     *memengine.Engine
	id         string
}

func newServer(cfg *config.Config) (*server, error) {
	eng := memengine.New(memengine.WithLatency(cfg.Latency))
	dbs := services.NewDatabaseService(cfg.DatasetDir, eng)

	for _, r := range cfg.Remotes {
		remote, err := newRemote(dbs, r)
		if err != nil {
			return nil, fmt.Errorf("remote %s: %w", r.Endpoint, err)
		}
		if err := eng.AddRemote(r.Endpoint, remote); err != nil {
			return nil, fmt.Errorf("remote %s: %w", r.Endpoint, err)
		}
		log.Printf("serving remote %s from dataset %q (%d documents)", r.Endpoint, r.Dataset, remote.DB.Stats().Live)
	}

	s := &server{
		id:      uuid.NewString(),
		engine:  eng,
		dbs:     dbs,
		manager: replicator.NewManager(dbs, eng),
	}
	s.dispatcher = dispatch.New(s.id, dispatch.Info{
		LibraryVersion: libraryVersion,
		CBL:            "go-memengine",
		Device:         cfg.Device,
		AdditionalInfo: cfg.AdditionalInfo,
	})
	dispatch.RegisterV1(s.dispatcher, dbs, s.manager)
	return s, nil
}

func newRemote(dbs *services.DatabaseService, r config.Remote) (*memengine.Remote, error) {
	loaded, err := dbs.OpenDataset(r.Dataset, "remote")
	if err != nil {
		return nil, err
	}
	db, ok := loaded.(*memengine.Database)
	if !ok {
		return nil, fmt.Errorf("dataset %q was not opened by the in-process engine", r.Dataset)
	}
	remote := &memengine.Remote{DB: db, Users: r.Users, ReadOnly: r.ReadOnly}
	if len(r.Sessions) > 0 {
		remote.Sessions = make(map[string]bool, len(r.Sessions))
		for _, id := range r.Sessions {
			remote.Sessions[id] = true
		}
	}
	return remote, nil
}

// writeServerURL records the URL a harness should use to reach this server.
func writeServerURL(path string, port int) error {
	ip, err := localAddress()
	if err != nil {
		return err
	}
	u := "http://" + net.JoinHostPort(ip.String(), strconv.Itoa(port))
	if err := os.WriteFile(path, []byte(u+"\n"), 0o644); err != nil {
		return apierr.ServerWrap(err, "Failed to write server URI to file")
	}
	log.Printf("server url %s written to %s", u, path)
	return nil
}

// localAddress returns the first non-loopback IPv4 address, or the first
// non-loopback IPv6 address if the host has no IPv4 one.
func localAddress() (net.IP, error) {
	addrs, err := interfaceAddrs()
	if err != nil {
		return nil, apierr.ServerWrap(err, "Cannot get server address")
	}

	var v6 net.IP
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4, nil
		}
		if v6 == nil {
			v6 = ipNet.IP
		}
	}
	if v6 == nil {
		return nil, apierr.Serverf("Cannot get server address")
	}
	return v6, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
