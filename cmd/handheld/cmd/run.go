package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/onsitelogistics/handheld/internal/capture"
	"github.com/onsitelogistics/handheld/internal/config"
	"github.com/onsitelogistics/handheld/internal/delivery"
	"github.com/onsitelogistics/handheld/internal/health"
	"github.com/onsitelogistics/handheld/internal/logging"
	"github.com/onsitelogistics/handheld/internal/metrics"
	"github.com/onsitelogistics/handheld/internal/queue"
	"github.com/onsitelogistics/handheld/internal/tracing"
	"github.com/onsitelogistics/handheld/internal/transmitter"
)

// tickInterval is how often the idle timeout is checked.
const tickInterval = time.Second

func newRunCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Capture scans and deliver them",
		Long: `Read barcodes from scanner_device (or stdin), pair each part code (A) with a
location code (B) and send the pair to the API. Anything that cannot be sent
is queued and drained every drain_interval_seconds.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := g.openSession(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer s.Close()

			shutdownTracing, err := tracing.InitTracing(ctx, serviceName, s.cfg.OTelEndpoint)
			if err != nil {
				s.logger.Plain().WithError(err).Warn("tracing disabled")
			} else {
				defer shutdownTracing()
			}

			warnTokenExpiry(s.logger, s.cfg.APIToken, time.Now())

			if s.cfg.MetricsAddr != "" {
				srv := startHTTPServer(s.cfg.MetricsAddr, s.tr, s.logger)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			input, closeInput, err := openScanner(s.cfg.ScannerDevice, cmd.InOrStdin())
			if err != nil {
				return err
			}
			defer closeInput()

			s.logger.Plain().WithDevice(s.cfg.DeviceID).WithField("scanner", orNone(s.cfg.ScannerDevice)).Info("handheld started")
			loop := newCaptureLoop(s.cfg, s.tr, capture.LogDisplay{Logger: s.logger}, s.logger)
			err = loop.run(ctx, capture.ReadCodes(ctx, input))
			s.logger.Plain().Info("handheld stopped")
			return err
		},
	}
}

func openScanner(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path == "" {
		return stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open scanner %s: %w", path, err)
	}
	return f, func() { _ = f.Close() }, nil
}

func startHTTPServer(addr string, q health.QueueSizer, logger *logging.Logger) *http.Server {
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(q))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Error("metrics server failed")
		}
	}()
	logger.Plain().WithField("addr", addr).Info("metrics server listening")
	return srv
}

// sender is the part of Transmitter the capture loop uses.
type sender interface {
	SendScanEvent(ctx context.Context, partCode, locationCode string) (transmitter.Outcome, error)
	SendLogisticsJob(ctx context.Context, partCode, toLocation string, opts ...delivery.JobOption) (transmitter.Outcome, error)
	QueueSize(ctx context.Context) (int, error)
	transmitter.Drainer
}

// captureLoop owns the workflow and the display. Codes, idle ticks and
// drains are handled one at a time on the calling goroutine.
type captureLoop struct {
	tr            sender
	workflow      *capture.Workflow
	display       capture.Display
	driver        *transmitter.Driver
	logger        *logging.Logger
	logistics     bool
	drainInterval time.Duration
	now           func() time.Time
}

func newCaptureLoop(cfg config.Config, tr sender, display capture.Display, logger *logging.Logger) *captureLoop {
	return &captureLoop{
		tr: tr,
		workflow: capture.NewWorkflow(capture.Options{
			IdleTimeout: cfg.IdleTimeout(),
			CancelCodes: cfg.CancelCodes,
		}),
		display:       display,
		driver:        transmitter.NewDriver(tr, transmitter.DriverOptions{MaxRounds: 1, Logger: logger}),
		logger:        logger,
		logistics:     cfg.LogisticsEnabled(),
		drainInterval: cfg.DrainInterval(),
		now:           time.Now,
	}
}

// run returns nil when codes is closed or ctx ends, and an error only for
// storage failures.
func (l *captureLoop) run(ctx context.Context, codes <-chan string) error {
	l.show(capture.IdleScreen())
	if err := l.drain(ctx); err != nil {
		return err
	}

	tick := time.NewTicker(tickInterval)
	defer tick.Stop()

	var drainC <-chan time.Time
	if l.drainInterval > 0 {
		drainTicker := time.NewTicker(l.drainInterval)
		defer drainTicker.Stop()
		drainC = drainTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case code, ok := <-codes:
			if !ok {
				return nil
			}
			if err := l.handle(ctx, code); err != nil {
				return err
			}

		case <-tick.C:
			if up, changed := l.workflow.Tick(l.now()); changed {
				l.logger.Plain().Warn("capture timed out, resetting")
				l.show(up.Screen)
			}

		case <-drainC:
			if l.workflow.State() != capture.WaitA {
				continue
			}
			if err := l.drain(ctx); err != nil {
				return err
			}
		}
	}
}

func (l *captureLoop) handle(ctx context.Context, code string) error {
	up, changed := l.workflow.Handle(code, l.now())
	if !changed {
		return nil
	}
	l.logger.Plain().WithFields(map[string]any{
		"code":  code,
		"state": l.workflow.State().String(),
	}).Debug("code read")

	if up.Completed != nil {
		status, err := l.submit(ctx, *up.Completed)
		if err != nil {
			return err
		}
		up.Screen.Status = status
	}
	l.show(up.Screen)
	return nil
}

// submit sends a completed pair and returns the status line to show.
func (l *captureLoop) submit(ctx context.Context, c capture.Completion) (string, error) {
	var (
		outcome transmitter.Outcome
		err     error
	)
	if l.logistics {
		outcome, err = l.tr.SendLogisticsJob(ctx, c.A, c.B)
	} else {
		outcome, err = l.tr.SendScanEvent(ctx, c.A, c.B)
	}
	if err != nil {
		l.logger.WithContext(ctx).WithError(err).Error("could not store capture")
		return "", err
	}

	if outcome == transmitter.Queued {
		n, err := l.tr.QueueSize(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Status: QUEUED (%d)", n), nil
	}
	return capture.StatusDone, nil
}

// drain runs one drain round. Only storage failures are returned; an
// interrupted drain is picked up again next round.
func (l *captureLoop) drain(ctx context.Context) error {
	if _, err := l.driver.Once(ctx); queue.IsStorageError(err) {
		return err
	}
	return nil
}

func (l *captureLoop) show(s capture.Screen) {
	if err := l.display.Show(s); err != nil {
		l.logger.Plain().WithError(err).Warn("display update failed")
	}
}
