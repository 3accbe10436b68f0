package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/OpenPrinting/go-mfp/proto/escl"
	"github.com/OpenPrinting/go-mfp/transport"
	"github.com/grandcat/zeroconf"

	"github.com/mzyy94/scopecap/internal/config"
	"github.com/mzyy94/scopecap/internal/monitor"
	"github.com/mzyy94/scopecap/internal/scope"
	"github.com/mzyy94/scopecap/internal/webui"
)

func runServe(ctx context.Context, cfg *config.File, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	port := fs.Int("port", cfg.Server.Port, "HTTP listen port")
	advertise := fs.Bool("mdns", cfg.Server.Advertise, "advertise the eSCL endpoint over mDNS")
	fs.Parse(args)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics := monitor.New()
	sc, err := newScope(cfg, metrics)
	if err != nil {
		return err
	}
	if err := sc.Connect(ctx); err != nil {
		return err
	}
	defer sc.Disconnect()

	store, err := config.NewStore(cfg.Server.DataDir, cfg.Settings())
	if err != nil {
		slog.Warn("settings persistence disabled", "dir", cfg.Server.DataDir, "err", err)
		store = config.NewMemoryStore(cfg.Settings())
	}
	settings := store.Get()

	adapter := scope.NewESCLAdapter(sc, settings.ESCLFullscreen)
	esclServer := escl.NewAbstractServer(escl.AbstractServerOptions{
		Scanner:  adapter,
		BasePath: "",
		Hooks: escl.ServerHooks{
			OnScannerStatusResponse: func(_ *transport.ServerQuery, status *escl.ScannerStatus) *escl.ScannerStatus {
				if !sc.Connected() {
					status.State = escl.ScannerDown
				}
				return status
			},
		},
	})

	jobs := &scope.CaptureJobStatus{}
	mux := http.NewServeMux()
	mux.Handle("/eSCL/", http.StripPrefix("/eSCL", esclServer))
	mux.Handle("/", webui.NewHandler(webui.Options{
		Scope:      sc,
		Adapter:    adapter,
		Jobs:       jobs,
		Settings:   store,
		Metrics:    metrics,
		ListenPort: *port,
	}))

	addr := fmt.Sprintf(":%d", *port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: logMiddleware(mux),
	}

	if *advertise {
		id := sc.Identity()
		name := id.Model
		if name == "" {
			name = "scopecap"
		}
		mdnsServer, err := zeroconf.Register(
			name,
			"_uscan._tcp",
			"local.",
			*port,
			[]string{
				"txtvers=1",
				"ty=" + name,
				"pdl=image/png,image/jpeg,application/pdf",
				"cs=color,grayscale,binary",
				"is=platen",
				"duplex=F",
				"rs=eSCL",
				"UUID=" + adapter.Capabilities().UUID.String(),
			},
			nil,
		)
		if err != nil {
			return fmt.Errorf("mDNS registration: %w", err)
		}
		defer mdnsServer.Shutdown()
		slog.Info("mDNS registered", "name", name, "service", "_uscan._tcp")
	}

	if settings.IntervalSeconds > 0 {
		job := scope.SaveJob{Format: settings.Format, Output: settings.OutputDir}
		if job.Mode, err = scope.ParseCaptureMode(settings.Mode); err != nil {
			return err
		}
		w := scope.CaptureWatcher(sc, time.Duration(settings.IntervalSeconds)*time.Second, job, jobs)
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
	}

	go func() {
		slog.Info("HTTP server starting", "addr", addr, "escl", fmt.Sprintf("http://localhost:%d/eSCL", *port))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("HTTP server error", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error", "err", err)
	}
	slog.Info("shutdown complete")
	return nil
}

// responseRecorder captures the status code for logging.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, status: 200}
		start := time.Now()
		next.ServeHTTP(rec, r)
		slog.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"remote", r.RemoteAddr,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}
