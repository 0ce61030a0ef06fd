package pprofutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const DefaultAddr = "127.0.0.1:6060"

var ErrPublicBind = errors.New("pprof: address must be loopback unless MESH_PPROF_ALLOW_PUBLIC=1")

// AddrFromEnv returns the pprof address requested through MESH_PPROF=1 and
// MESH_PPROF_ADDR, or fallback when MESH_PPROF is unset.
func AddrFromEnv(fallback string) string {
	if strings.TrimSpace(os.Getenv("MESH_PPROF")) != "1" {
		return fallback
	}
	if addr := strings.TrimSpace(os.Getenv("MESH_PPROF_ADDR")); addr != "" {
		return addr
	}
	return DefaultAddr
}

// Serve runs the pprof endpoint on addr until ctx is done. An empty addr
// disables it.
func Serve(ctx context.Context, addr string, log zerolog.Logger) error {
	if addr == "" {
		return nil
	}
	allowPublic := strings.TrimSpace(os.Getenv("MESH_PPROF_ALLOW_PUBLIC")) == "1"
	if !allowPublic && !isLoopbackBind(addr) {
		return fmt.Errorf("%w: %s", ErrPublicBind, addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("pprof listen failed: %w", err)
	}
	log.Info().Str("url", "http://"+ln.Addr().String()+"/debug/pprof/").Msg("pprof enabled")
	srv := &http.Server{
		Handler:           http.DefaultServeMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
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

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
