// Command mudproxy runs the stateful reverse proxy: it accepts browser
// WebSocket connections and multiplexes each onto a long-lived upstream
// connection to a MUD server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chatmud/mudproxy/internal/config"
	"github.com/chatmud/mudproxy/internal/logger"
	"github.com/chatmud/mudproxy/internal/transport"
)

func main() {
	var (
		addr             string
		upstreamURL      string
		persistTimeoutMS int
		maxBufferLines   int
		useProxyProtocol bool
		logLevel         string
	)

	root := &cobra.Command{
		Use:   "mudproxy",
		Short: "Stateful reverse proxy multiplexing browser WebSocket sessions onto MUD upstream connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.Init(logLevel)

			cfg := config.ProxyConfig{
				ListenAddr:  addr,
				UpstreamURL: upstreamURL,
				Default: config.Clamp(config.SessionConfig{
					PersistenceTimeoutMS: persistTimeoutMS,
					MaxBufferLines:       maxBufferLines,
				}),
				UseProxyProtocol: useProxyProtocol,
			}

			srv := transport.New(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.ListenAndServe()
			})
			g.Go(func() error {
				srv.RunKeepalive(gctx)
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				logger.Info("shutting down")
				return srv.Shutdown(shutdownCtx)
			})

			return g.Wait()
		},
	}

	root.Flags().StringVar(&addr, "addr", config.DefaultListenAddr, "listen address")
	root.Flags().StringVar(&upstreamURL, "upstream", config.DefaultUpstreamURL, "upstream MUD server URL (scheme-tagged: tls://, tcp://, ...)")
	root.Flags().IntVar(&persistTimeoutMS, "persistence-timeout", config.DefaultPersistenceTimeoutMS, "default session persistence timeout in milliseconds")
	root.Flags().IntVar(&maxBufferLines, "max-buffer-lines", config.DefaultMaxBufferLines, "default replay buffer line cap")
	root.Flags().BoolVar(&useProxyProtocol, "proxy-protocol", false, "prepend a PROXY protocol v1 header on upstream connect")
	root.Flags().StringVar(&logLevel, "log-level", envOr("MUDPROXY_LOG_LEVEL", "info"), "log level: debug, info, warn, error")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// envOr returns the named environment variable, or fallback if it is unset
// or empty.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
