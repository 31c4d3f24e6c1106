// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command acpchat-node runs one node of the topic directory on a UDP
// multicast group and offers a small line-oriented chat console.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/thejerf/suture/v4"

	"github.com/destiny/acpchat"
	"github.com/destiny/acpchat/engine"
	"github.com/destiny/acpchat/internal/telemetry"
	"github.com/destiny/acpchat/transport"
	"github.com/destiny/acpchat/wire"
)

type cli struct {
	NodeID          uint32        `help:"Node id, 0 picks a random one" default:"0" env:"ACPCHAT_NODE_ID"`
	Username        string        `help:"Name shown to other subscribers" default:"anonymous" env:"ACPCHAT_USERNAME"`
	Group           string        `help:"Multicast group carrying directory and chat traffic" default:"239.1.1.118:27813" env:"ACPCHAT_GROUP"`
	Discovery       string        `help:"Multicast group used for discovery beacons" default:"239.1.1.117:27812" env:"ACPCHAT_DISCOVERY"`
	Topic           []string      `help:"Pre-configured topic, may be repeated" env:"ACPCHAT_TOPICS"`
	Join            string        `help:"Topic to join on startup"`
	Metrics         string        `help:"Listen address for Prometheus metrics, empty disables" env:"ACPCHAT_METRICS"`
	LogLevel        string        `help:"Log level" default:"warn" enum:"error,warn,info,debug,trace" env:"ACPCHAT_LOG_LEVEL"`
	StaticMulticast bool          `help:"Disable discovery and directory traffic"`
	StaticTopics    bool          `help:"Disallow creating and deleting topics at runtime"`
	Persistent      bool          `help:"Ask the transport to keep groups alive"`
	ResponseDelay   time.Duration `help:"Upper bound of the delayed answer window" default:"1s"`
	InUseWait       time.Duration `help:"How long a deletion waits for objections" default:"20s"`
}

var logLevels = map[string]acpchat.LogLevel{
	"error": acpchat.LogLevelError,
	"warn":  acpchat.LogLevelWarn,
	"info":  acpchat.LogLevelInfo,
	"debug": acpchat.LogLevelDebug,
	"trace": acpchat.LogLevelTrace,
}

func main() {
	var params cli
	kong.Parse(&params,
		kong.Name("acpchat-node"),
		kong.Description("Decentralized multicast topic directory and chat node."),
	)

	if err := run(params); err != nil {
		fmt.Fprintln(os.Stderr, "acpchat-node:", err)
		os.Exit(1)
	}
}

func run(params cli) error {
	log := acpchat.NewLogger(logLevels[params.LogLevel])
	defer log.Sync()

	cfg := engine.DefaultConfig()
	cfg.NodeID = wire.NodeID(params.NodeID)
	cfg.Username = params.Username
	cfg.BroadcastGroup = params.Discovery
	cfg.DynamicMulticast = !params.StaticMulticast
	cfg.DynamicTopics = !params.StaticTopics
	cfg.PersistentGroups = params.Persistent
	cfg.MaxResponseDelay = params.ResponseDelay
	cfg.InUseWait = params.InUseWait
	if err := cfg.Validate(); err != nil {
		return err
	}

	// The transport needs the id before the engine would pick one.
	if cfg.NodeID == 0 {
		id, err := engine.RandomNodeID()
		if err != nil {
			return err
		}
		cfg.NodeID = id
	}

	tr, err := transport.NewMulticast(cfg.NodeID, params.Group, log)
	if err != nil {
		return fmt.Errorf("open group %s: %w", params.Group, err)
	}
	defer tr.Close()

	var disc transport.Discovery
	if cfg.DynamicMulticast {
		beacon, err := transport.NewBeacon(cfg.BroadcastGroup, log)
		if err != nil {
			return fmt.Errorf("open discovery group %s: %w", cfg.BroadcastGroup, err)
		}
		defer beacon.Close()
		disc = beacon
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := telemetry.NewMetrics(reg)

	eng, err := engine.New(cfg, tr, disc,
		engine.WithLogger(log),
		engine.WithMetrics(metrics),
		engine.WithStaticTopics(params.Topic...),
	)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sup := suture.NewSimple("acpchat")
	sup.Add(eng)
	if params.Metrics != "" {
		sup.Add(&metricsService{addr: params.Metrics, handler: telemetry.Handler(reg), log: log})
	}
	done := sup.ServeBackground(ctx)

	fmt.Printf("node %s (%s) on %s\n", eng.NodeID(), cfg.Username, params.Group)
	if params.Join != "" {
		if err := eng.Join(ctx, params.Join); err != nil {
			fmt.Printf("join %s: %v\n", params.Join, err)
		}
	}
	fmt.Println("Type messages to send, /help for commands, /quit to exit")

	go printEvents(eng.Events().Subscribe(256), os.Stdout)
	go func() {
		console{eng: eng, out: os.Stdout}.run(ctx, os.Stdin)
		cancel()
	}()

	<-ctx.Done()
	fmt.Println("\nShutting down...")
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("supervisor: %v", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	eng.Wait(waitCtx)
	return nil
}

// metricsService serves the Prometheus endpoint under the supervisor.
type metricsService struct {
	addr    string
	handler http.Handler
	log     *acpchat.Logger
}

func (s *metricsService) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.handler)
	srv := &http.Server{Addr: s.addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("metrics on %s", s.addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}

func (s *metricsService) String() string { return "metrics@" + s.addr }

func printEvents(events <-chan *engine.Event, out io.Writer) {
	for ev := range events {
		ts := ev.Timestamp.Format("15:04:05")
		switch ev.Type {
		case engine.EventTypeTopicAdded:
			fmt.Fprintf(out, "[%s] topic %q added\n", ts, ev.Topic)
		case engine.EventTypeTopicRemoved:
			fmt.Fprintf(out, "[%s] topic %q removed\n", ts, ev.Topic)
		case engine.EventTypeTopicRestored:
			fmt.Fprintf(out, "[%s] topic %q is in use and was restored\n", ts, ev.Topic)
		case engine.EventTypeSubscriberJoined:
			if ev.Network {
				fmt.Fprintf(out, "[%s] %s joined %q\n", ts, ev.Subscriber.Name, ev.Topic)
			}
		case engine.EventTypeSubscriberLeft:
			if ev.Network {
				fmt.Fprintf(out, "[%s] %s left %q\n", ts, ev.Subscriber.Name, ev.Topic)
			}
		case engine.EventTypeMessage:
			fmt.Fprintf(out, "[%s] <%s@%s> %s\n", ts, ev.Subscriber.Name, ev.Topic, ev.Body)
		case engine.EventTypePeers:
			fmt.Fprintf(out, "[%s] %d peers\n", ts, ev.Peers)
		}
	}
}

// console reads commands and chat lines.
type console struct {
	eng *engine.Engine
	out io.Writer
}

func (c console) run(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if err := c.eng.SendMessage(ctx, line); err != nil {
				fmt.Fprintf(c.out, "send: %v\n", err)
			}
			continue
		}
		if quit := c.command(ctx, line); quit {
			return
		}
	}
}

func (c console) command(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	var err error
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(c.out, "/topics, /create NAME, /join NAME, /leave, /delete NAME, /who, /peers, /emcon on|off, /quit")
	case "/topics":
		active := c.eng.ActiveTopic()
		for _, t := range c.eng.Directory().Topics() {
			mark := " "
			if t.Name == active {
				mark = "*"
			}
			fmt.Fprintf(c.out, "%s %s (%d subscribers)\n", mark, t.Name, len(t.Subscribers))
		}
	case "/create":
		err = c.eng.CreateTopic(ctx, arg)
	case "/join":
		err = c.eng.Join(ctx, arg)
	case "/leave":
		err = c.eng.Leave(ctx)
	case "/delete":
		err = c.eng.DeleteTopic(ctx, arg)
	case "/who":
		for _, s := range c.eng.Directory().Subscribers(c.eng.ActiveTopic()) {
			fmt.Fprintf(c.out, "  %s (%s)\n", s.Name, s.NodeID)
		}
	case "/peers":
		fmt.Fprintf(c.out, "%d peers: %v\n", c.eng.PeerCount(), c.eng.Directory().Destinations())
	case "/emcon":
		c.eng.SetEmcon(arg == "on")
	default:
		fmt.Fprintf(c.out, "unknown command %s\n", cmd)
	}
	if err != nil {
		fmt.Fprintf(c.out, "%s: %v\n", cmd, err)
	}
	return false
}
