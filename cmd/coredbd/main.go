// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// coredbd is the process entrypoint: it wires the reference consensus
// log, the reference local document store, the Replication Loader and
// the Subscription Store/Supervisor into one runnable node, the way
// the teacher's cmd/cmd.go wires master+router+shardserver into one
// process for the single-node role. It exists for local smoke testing
// of the domain stack end-to-end; production deployment of the
// surrounding cluster (multi-node consensus, sharding, the REST
// surface) is out of this module's scope.
package main

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	_ "github.com/cubefs/cubefs/blobstore/util/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/coredb/common/kvstore"
	"github.com/dreamware/coredb/consensus"
	"github.com/dreamware/coredb/metrics"
	"github.com/dreamware/coredb/replication"
	"github.com/dreamware/coredb/store"
	"github.com/dreamware/coredb/subscription"
	"github.com/dreamware/coredb/topology"
	"github.com/dreamware/coredb/util"
	"github.com/dreamware/coredb/wire"
)

// Config is coredbd's process configuration, loaded the same way the
// teacher's cmd.Config is: one JSON file via blobstore/common/config.
type Config struct {
	Database string `json:"database"`
	NodeTag  string `json:"node_tag"`
	DBID     string `json:"db_id"`

	// BindAddr is where the replication TCP listener (component F's
	// entry point, spec.md §6) accepts peer connections.
	BindAddr string `json:"bind_addr"`
	// HttpBindPort serves /metrics and the log-level control endpoint.
	HttpBindPort uint32 `json:"http_bind_port"`

	MaxProcessors int       `json:"max_processors"`
	LogLevel      log.Level `json:"log_level"`
}

func main() {
	config.Init("f", "", "coredbd.json")

	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		log.Fatal(errors.Detail(err))
	}
	initDefaults(cfg)
	registerLogLevel()
	modifyOpenFiles()
	log.SetOutputLevel(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	raftLog, err := consensus.NewRaftLog()
	if err != nil {
		log.Fatalf("starting consensus log: %v", err)
	}
	localStore, err := store.NewReference(cfg.DBID, kvstore.NewMemStore())
	if err != nil {
		log.Fatalf("opening local store: %v", err)
	}

	view := topology.NewView(raftLog, cfg.Database, cfg.NodeTag)
	loader := replication.NewLoader(cfg.DBID, cfg.NodeTag, cfg.BindAddr, localStore, view, dialPeer)
	rec, commitIndex, err := raftLog.ReadRawDatabaseRecord(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("reading initial database record: %v", err)
	}
	if err := loader.Initialize(ctx, rec, commitIndex); err != nil {
		log.Fatalf("initializing replication loader: %v", err)
	}

	subStore := subscription.NewStore(raftLog)
	supervisor := subscription.NewSupervisor()

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		log.Fatalf("listening on %s: %v", cfg.BindAddr, err)
	}
	go acceptReplicationConns(ctx, ln, loader, view, localStore, subStore, supervisor, cfg.DBID)

	httpServer := &http.Server{Addr: ":" + strconv.Itoa(int(cfg.HttpBindPort))}
	http.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server stopped: %v", err)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch

	cancel()
	ln.Close()
	httpServer.Close()
	loader.Close()
	raftLog.Close()
	localStore.Close()
}

// dialPeer is the replication.Dialer used by every OutboundWorker this
// process starts.
func dialPeer(ctx context.Context, url string) (net.Conn, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	return d.DialContext(ctx, "tcp", url)
}

// acceptReplicationConns is the "TCP listener" external collaborator
// of spec.md §6: it reads the TcpConnectionHeader off each accepted
// connection and dispatches it to either the Replication Loader or the
// Subscription Store/Supervisor, the two components willing to speak
// on this socket.
func acceptReplicationConns(ctx context.Context, ln net.Listener, loader *replication.Loader, view *topology.View, localStore store.LocalStore, subStore *subscription.Store, supervisor *subscription.Supervisor, localDBID string) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Warnf("replication listener: accept failed: %v", err)
			continue
		}
		go handleAcceptedConn(ctx, conn, loader, view, localStore, subStore, supervisor, localDBID)
	}
}

func handleAcceptedConn(ctx context.Context, conn net.Conn, loader *replication.Loader, view *topology.View, localStore store.LocalStore, subStore *subscription.Store, supervisor *subscription.Supervisor, localDBID string) {
	rd := bufio.NewReader(conn)
	var header wire.TcpConnectionHeader
	if _, err := wire.ReadFrame(rd, &header); err != nil {
		log.Warnf("connection listener: reading connection header: %v", err)
		conn.Close()
		return
	}

	switch header.Op {
	case wire.OpReplication:
		handleReplicationConn(ctx, conn, rd, header, loader, view)
	case wire.OpSubscriptionRPC:
		handleSubscriptionConn(ctx, conn, rd, header, localStore, view, subStore, supervisor, localDBID)
	default:
		log.Warnf("connection listener: unsupported op %q", header.Op)
		conn.Close()
	}
}

func handleReplicationConn(ctx context.Context, conn net.Conn, rd *bufio.Reader, header wire.TcpConnectionHeader, loader *replication.Loader, view *topology.View) {
	snapshot, err := view.Current(ctx)
	passive := err != nil || snapshot.Passive

	ic, err := loader.AcceptIncomingConnection(ctx, header.SourceDBID, header.SourceURL, conn, rd, passive)
	if err != nil {
		conn.Close()
		return
	}
	if err := ic.Serve(ctx); err != nil {
		log.Infof("replication: incoming connection from %s ended: %v", header.SourceDBID, err)
	}
}

// handleSubscriptionConn hands an accepted wire.OpSubscriptionRPC
// connection to the Subscription Store/Supervisor pair (components H
// and J), the registration path that admits the remote worker as the
// Subscription Connection (component I) running against it.
//
// localShard is fixed at 0: this process always runs as a single,
// unsharded node (spec.md §1 Non-goal: "sharding and rebalancing
// policy, beyond exposing the hooks the reconciler needs"), so there
// is only ever one shard for a subscription worker to be authoritative
// for.
func handleSubscriptionConn(ctx context.Context, conn net.Conn, rd *bufio.Reader, header wire.TcpConnectionHeader, localStore store.LocalStore, view *topology.View, subStore *subscription.Store, supervisor *subscription.Supervisor, localDBID string) {
	defer conn.Close()
	const localShard = 0
	if err := subscription.ServeConnection(ctx, conn, rd, header.Database, header.SourceURL, localDBID, localShard, localStore, view, subStore, supervisor); err != nil {
		log.Infof("subscription: connection from %s ended: %v", header.SourceURL, err)
	}
}

func registerLogLevel() {
	logLevelPath, logLevelHandler := log.ChangeDefaultLevelHandler()
	profile.HandleFunc(http.MethodPost, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
	profile.HandleFunc(http.MethodGet, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
}

func modifyOpenFiles() {
	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		log.Fatalf("getting rlimit failed: %s", err)
	}
	if rLimit.Cur >= 102400 && rLimit.Max >= 102400 {
		return
	}
	rLimit.Cur = 1024000
	rLimit.Max = 1024000
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		log.Fatalf("setting rlimit failed: %s", err)
	}
}

func initDefaults(cfg *Config) {
	if cfg.MaxProcessors > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcessors)
	}
	if cfg.BindAddr == "" {
		ip, err := util.GetLocalIp()
		if err != nil {
			log.Fatalf("can't determine local ip, set bind_addr explicitly: %v", err)
		}
		cfg.BindAddr = ip + ":6480"
	}
	if cfg.HttpBindPort == 0 {
		cfg.HttpBindPort = 6481
	}
	if cfg.Database == "" {
		log.Fatalf("database must be set")
	}
	if cfg.DBID == "" {
		log.Fatalf("db_id must be set")
	}
	if cfg.NodeTag == "" {
		cfg.NodeTag = cfg.DBID
	}
}
