package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mzyy94/scopecap/internal/config"
	"github.com/mzyy94/scopecap/internal/monitor"
	"github.com/mzyy94/scopecap/internal/scope"
	"github.com/mzyy94/scopecap/internal/scpi"
	"github.com/mzyy94/scopecap/internal/visa"
)

const usage = `usage: scopecap <command> [flags]

commands:
  list     list instrument addresses on every bus
  capture  save one screen capture
  stats    print the measurement statistics table
  report   capture screens and statistics into a PDF
  watch    save a capture on a fixed interval
  serve    run the web API and eSCL scanner endpoint
`

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logLevel := parseLogLevel(envStr("SCOPECAP_LOG_LEVEL", cfg.Log.Level))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "list":
		err = runList(ctx, cfg)
	case "capture":
		err = runCapture(ctx, cfg, args)
	case "stats":
		err = runStats(ctx, cfg, args)
	case "report":
		err = runReport(ctx, cfg, args)
	case "watch":
		err = runWatch(ctx, cfg, args)
	case "serve":
		err = runServe(ctx, cfg, args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		slog.Error(cmd+" failed", "err", err)
		os.Exit(1)
	}
}

// loadConfig reads SCOPECAP_CONFIG when set and applies the environment
// on top.
func loadConfig() (*config.File, error) {
	cfg := config.Default()
	if path := os.Getenv("SCOPECAP_CONFIG"); path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			return nil, err
		}
	}
	in := &cfg.Instrument
	in.Address = envStr("SCOPECAP_ADDRESS", in.Address)
	in.Hint = envStr("SCOPECAP_HINT", in.Hint)
	in.Timeout = envDuration("SCOPECAP_TIMEOUT", in.Timeout)
	in.ChunkSize = envInt("SCOPECAP_CHUNK_SIZE", in.ChunkSize)
	in.Profile = envStr("SCOPECAP_PROFILE", in.Profile)

	cfg.Capture.Mode = envStr("SCOPECAP_MODE", cfg.Capture.Mode)
	cfg.Capture.Output = envStr("SCOPECAP_OUTPUT", cfg.Capture.Output)
	cfg.Server.Port = envInt("SCOPECAP_LISTEN_PORT", cfg.Server.Port)
	cfg.Server.DataDir = envStr("SCOPECAP_DATA_DIR", cfg.Server.DataDir)

	if v := os.Getenv("SCOPECAP_HOSTS"); v != "" {
		cfg.Transport.Hosts = splitList(v)
	}
	if v := os.Getenv("SCOPECAP_PROLOGIX_PORT"); v != "" {
		cfg.Transport.Prologix.Ports = splitList(v)
	}
	if v := os.Getenv("SCOPECAP_GPIB_ADDRS"); v != "" {
		cfg.Transport.Prologix.Addresses = nil
		for _, s := range splitList(v) {
			n, err := strconv.Atoi(s)
			if err != nil {
				return nil, fmt.Errorf("SCOPECAP_GPIB_ADDRS: bad address %q", s)
			}
			cfg.Transport.Prologix.Addresses = append(cfg.Transport.Prologix.Addresses, n)
		}
	}
	return cfg, nil
}

func newManager(cfg *config.File) *visa.Manager {
	m := visa.NewManager()
	t := cfg.Transport
	m.Register(visa.InterfaceTCPIP, &visa.SocketBus{
		Hosts:         t.Hosts,
		BrowseTimeout: t.BrowseTimeout,
		DialTimeout:   t.DialTimeout,
	})
	if t.USB {
		m.Register(visa.InterfaceUSB, &visa.USBTMCBus{ChunkSize: cfg.Instrument.ChunkSize})
	}
	if len(t.Prologix.Ports) > 0 || len(t.Prologix.Addresses) > 0 {
		m.Register(visa.InterfaceGPIB, &visa.PrologixBus{
			Ports:     t.Prologix.Ports,
			Addresses: t.Prologix.Addresses,
			BaudRate:  t.Prologix.BaudRate,
		})
	}
	return m
}

func newScope(cfg *config.File, metrics *monitor.Metrics) (*scope.Scope, error) {
	in := cfg.Instrument
	sc := scope.Config{
		Address: in.Address,
		Hint:    in.Hint,
		Session: scpi.Options{
			Timeout:      in.Timeout,
			ChunkSize:    in.ChunkSize,
			MaxBlockSize: in.MaxBlockSize,
		},
	}
	if in.Profile != "" {
		p, err := scope.ParseProfile(in.Profile)
		if err != nil {
			return nil, err
		}
		sc.Profile = &p
	}
	s := scope.New(newManager(cfg), sc)
	s.SetMetrics(metrics)
	return s, nil
}

func connect(ctx context.Context, cfg *config.File) (*scope.Scope, error) {
	sc, err := newScope(cfg, nil)
	if err != nil {
		return nil, err
	}
	if err := sc.Connect(ctx); err != nil {
		return nil, err
	}
	slog.Info("connected", "scope", sc)
	return sc, nil
}

func runList(ctx context.Context, cfg *config.File) error {
	addrs, err := newManager(cfg).List(ctx)
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return errors.New("no instruments found")
	}
	for _, a := range addrs {
		fmt.Println(a)
	}
	return nil
}

func captureFlags(fs *flag.FlagSet, cfg *config.File) (mode, format, output, note *string) {
	mode = fs.String("mode", cfg.Capture.Mode, "capture mode: normal, inksaver, fullscreen, inksaver+fullscreen")
	format = fs.String("format", cfg.Capture.Format, "output format: png, tiff, pdf")
	output = fs.String("o", cfg.Capture.Output, "output file or directory")
	note = fs.String("note", "", "text drawn below the capture")
	return
}

func runCapture(ctx context.Context, cfg *config.File, args []string) error {
	fs := flag.NewFlagSet("capture", flag.ExitOnError)
	mode, format, output, note := captureFlags(fs, cfg)
	fs.Parse(args)

	m, err := scope.ParseCaptureMode(*mode)
	if err != nil {
		return err
	}
	sc, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer sc.Disconnect()

	path, _, err := scope.RunSaveJob(sc, scope.SaveJob{Mode: m, Format: *format, Output: *output, Note: *note})
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func runStats(ctx context.Context, cfg *config.File, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "print JSON")
	fs.Parse(args)

	sc, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer sc.Disconnect()

	stats, err := sc.Statistics()
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "MEASUREMENT\tCURRENT\tMIN\tMAX\tMEAN\tSTDDEV\tCOUNT\t")
	for _, r := range stats {
		fmt.Fprintf(tw, "%s\t%g\t%g\t%g\t%g\t%g\t%d\t\n", r.Label, r.Current, r.Min, r.Max, r.Mean, r.StdDev, r.Count)
	}
	return tw.Flush()
}

func runReport(ctx context.Context, cfg *config.File, args []string) error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	mode := fs.String("mode", cfg.Capture.Mode, "capture mode")
	count := fs.Int("n", 1, "number of captures")
	interval := fs.Duration("interval", 5*time.Second, "time between captures")
	output := fs.String("o", cfg.Capture.Output, "output file or directory")
	withStats := fs.Bool("stats", true, "append the statistics table")
	fs.Parse(args)

	m, err := scope.ParseCaptureMode(*mode)
	if err != nil {
		return err
	}
	sc, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer sc.Disconnect()

	var pages []scope.ReportPage
	for i := range *count {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(*interval):
			}
		}
		res, err := sc.Capture(m)
		if err != nil {
			return err
		}
		pages = append(pages, scope.ReportPage{
			Title: fmt.Sprintf("capture %d/%d", i+1, *count),
			Taken: time.Now(),
			Mode:  m,
			Image: res.Image,
		})
	}

	var stats []scope.StatisticsRecord
	if *withStats {
		if stats, err = sc.Statistics(); err != nil {
			slog.Warn("statistics unavailable, report has captures only", "err", err)
		}
	}

	id := sc.Identity()
	path := scope.OutputPath(*output, strings.TrimSuffix(scope.ScreenshotName(id.Slug(), time.Now(), "pdf"), ".pdf")+"_report.pdf")
	if err := scope.WritePDF(id.String(), pages, stats, path); err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func runWatch(ctx context.Context, cfg *config.File, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	mode, format, output, note := captureFlags(fs, cfg)
	interval := fs.Duration("interval", cfg.Capture.Interval, "capture period")
	fs.Parse(args)

	m, err := scope.ParseCaptureMode(*mode)
	if err != nil {
		return err
	}
	sc, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer sc.Disconnect()

	var status scope.CaptureJobStatus
	w := scope.CaptureWatcher(sc, *interval, scope.SaveJob{Mode: m, Format: *format, Output: *output, Note: *note}, &status)
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	w.Stop()
	slog.Info("watch finished", "captures", status.Snapshot().Count)
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
