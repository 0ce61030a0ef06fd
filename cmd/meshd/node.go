package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/yodablocks/bitchat/internal/config"
	"github.com/yodablocks/bitchat/internal/daemon"
	"github.com/yodablocks/bitchat/internal/debuglog"
	"github.com/yodablocks/bitchat/internal/network"
	"github.com/yodablocks/bitchat/internal/node"
	"github.com/yodablocks/bitchat/internal/pprofutil"
)

const snapshotFile = "metrics.json"

var stdin io.Reader = os.Stdin

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("empty value")
	}
	*s = append(*s, v)
	return nil
}

type runFlags struct {
	config string
	listen string
	nick   string
	home   string
	peers  stringList
	debug  bool
}

func parseRunFlags(args []string, stderr io.Writer) (runFlags, error) {
	var f runFlags
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.config, "config", "", "TOML config file")
	fs.StringVar(&f.listen, "listen", "", "QUIC listen address")
	fs.StringVar(&f.nick, "nick", "", "nickname")
	fs.StringVar(&f.home, "home", "", "node home directory")
	fs.Var(&f.peers, "peer", "peer address to dial (repeatable)")
	fs.BoolVar(&f.debug, "debug", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return runFlags{}, err
	}
	return f, nil
}

// loadRunConfig layers flags over the file and environment.
func loadRunConfig(f runFlags) (config.Config, error) {
	cfg, err := config.Load(f.config)
	if err != nil {
		return config.Config{}, err
	}
	if f.listen != "" {
		cfg.Listen = f.listen
	}
	if f.nick != "" {
		cfg.Nickname = f.nick
	}
	if f.home != "" {
		cfg.Home = f.home
	}
	cfg.Peers = append(cfg.Peers, f.peers...)
	if f.debug {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runNode(args []string, stdout, stderr io.Writer) int {
	f, err := parseRunFlags(args, stderr)
	if err != nil {
		return 1
	}
	cfg, err := loadRunConfig(f)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}
	lvl, _ := debuglog.ParseLevel(cfg.Log.Level)
	log := debuglog.Init(stderr, lvl)

	n, err := node.NewNode(cfg.Home, node.Options{Nickname: cfg.Nickname})
	if err != nil {
		fmt.Fprintf(stderr, "run: open node: %v\n", err)
		return 1
	}
	defer func() {
		if err := n.Close(); err != nil {
			log.Warn().Err(err).Msg("node close failed")
		}
	}()

	var runner *daemon.Runner
	runner, err = daemon.NewRunner(n, daemon.Options{
		Config:       cfg,
		Logger:       log,
		SnapshotPath: filepath.Join(cfg.Home, snapshotFile),
		OnEvent: func(ev daemon.Event) {
			printEvent(stdout, ev)
			if ev.Kind == daemon.EventPrivateMessage {
				go func() { _ = runner.MarkRead(ev.Peer, ev.Message.ID) }()
			}
		},
	})
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}
	link, err := network.NewLink(network.Options{
		Local:   n.ID,
		Handler: runner,
		Logger:  log.With().Str("component", "link").Logger(),
	})
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}
	runner.Bind(link)
	addr, err := link.Listen(cfg.Listen)
	if err != nil {
		_ = link.Close()
		fmt.Fprintf(stderr, "run: listen %s: %v\n", cfg.Listen, err)
		return 1
	}
	banner(stdout, n, addr.String(), cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error {
		return pprofutil.Serve(gctx, pprofutil.AddrFromEnv(cfg.PprofAddr), log)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, runner.Metrics.Handler(), log) })
	}
	for _, p := range cfg.Peers {
		g.Go(func() error {
			id, err := runner.Dial(gctx, p)
			if err != nil {
				log.Warn().Err(err).Str("addr", p).Msg("dial failed, will retry")
				return nil
			}
			log.Info().Str("addr", p).Str("peer", id.String()).Msg("dialed")
			return nil
		})
	}
	// stdin reads cannot be cancelled, so the loop lives outside the group
	go func() {
		if repl(stdin, stdout, runner) {
			stop()
		}
	}()

	err = g.Wait()
	_ = runner.Close()
	_ = link.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("meshd stopped")
		return 1
	}
	log.Info().Msg("meshd stopped")
	return 0
}

func serveMetrics(ctx context.Context, addr string, h http.Handler, log zerolog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen failed: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Info().Str("url", "http://"+ln.Addr().String()+"/metrics").Msg("metrics enabled")
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func banner(w io.Writer, n *node.Node, listen string, cfg config.Config) {
	title := color.New(color.FgCyan, color.Bold)
	label := color.New(color.Faint)
	title.Fprintf(w, "meshd %s\n", n.ID)
	label.Fprint(w, "  Nickname: ")
	fmt.Fprintln(w, n.Nickname())
	label.Fprint(w, "  Fingerprint: ")
	fmt.Fprintln(w, n.Fingerprint())
	label.Fprint(w, "  Listen: ")
	fmt.Fprintln(w, listen)
	label.Fprint(w, "  Peers: ")
	if len(cfg.Peers) == 0 {
		fmt.Fprintln(w, "none")
	} else {
		fmt.Fprintln(w, strings.Join(cfg.Peers, ", "))
	}
	label.Fprint(w, "  Metrics: ")
	if cfg.MetricsAddr == "" {
		fmt.Fprintln(w, "off")
	} else {
		fmt.Fprintln(w, cfg.MetricsAddr)
	}
	fmt.Fprintln(w, "type /help for commands")
}
