// Command chanprobe is a small demonstration CLI wiring channel.Manager,
// retry.Call and hedging.Call together end to end against a real
// TCP-reachable target list: the same shape as the teacher's agent binary
// (load config, build the core component, drive one request, report the
// outcome), generalized from a TripWire agent dialing one dashboard to a
// connection-managed RPC call against a resolved address set.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tripwire/chancore/channel"
	"github.com/tripwire/chancore/hedging"
	"github.com/tripwire/chancore/internal/address"
	"github.com/tripwire/chancore/internal/buffer"
	"github.com/tripwire/chancore/internal/callattempt"
	"github.com/tripwire/chancore/internal/callctx"
	"github.com/tripwire/chancore/internal/resolver"
	"github.com/tripwire/chancore/internal/serviceconfig"
	"github.com/tripwire/chancore/retry"
)

func main() {
	targets := flag.String("targets", "127.0.0.1:9090", "comma-separated host:port list, used when -targets-file is empty")
	targetsFile := flag.String("targets-file", "", "path to a YAML target-list file watched by FileResolver (SPEC_FULL.md §5)")
	method := flag.String("method", "/chanprobe.Probe/Ping", "fully qualified method name to call")
	mode := flag.String("mode", "retry", "call resilience mode: retry or hedging")
	message := flag.String("message", "ping", "request payload to send")
	connectTimeout := flag.Duration("connect-timeout", 5*time.Second, "per-subchannel connect timeout")
	callTimeout := flag.Duration("call-timeout", 10*time.Second, "overall call deadline")
	waitForReady := flag.Bool("wait-for-ready", true, "block Connect until the channel reaches Ready before calling")
	logLevel := flag.String("log-level", "info", "debug, info, warn, or error")
	flag.Parse()

	logger := newLogger(*logLevel)

	res, sc, err := buildResolver(*targetsFile, *targets, *mode, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chanprobe: %v\n", err)
		os.Exit(1)
	}

	mgr := channel.New(res, channel.Options{
		DefaultConnectTimeout: *connectTimeout,
		IdleTimeout:           5 * time.Minute,
		PingInterval:          30 * time.Second,
		ChannelBufferBytes:    1 << 20,
		CallBufferBytes:       1 << 16,
		ThrottleMaxTokens:     10,
		ThrottleTokenRatio:    0.1,
		Logger:                logger,
	})
	defer mgr.Dispose()

	connectCtx, connectCancel := context.WithTimeout(context.Background(), *connectTimeout*2)
	defer connectCancel()
	if err := mgr.Connect(connectCtx, *waitForReady); err != nil {
		logger.Warn("chanprobe: channel did not reach Ready before connect-timeout", slog.Any("error", err))
	}

	token := callctx.New(context.Background(), *callTimeout)
	defer token.Dispose()

	factory := func() callattempt.Attempt { return newStreamAttempt(mgr, *method) }

	var attempt callattempt.Attempt
	var attempts int
	var reason string
	var status serviceconfig.Status

	switch *mode {
	case "hedging":
		mc := sc.DefaultMethodConfig.HedgingPolicy
		if mc == nil {
			mc = &serviceconfig.HedgingPolicy{MaxAttempts: 3, HedgingDelay: 50 * time.Millisecond, NonFatalStatusCodes: map[serviceconfig.Code]bool{serviceconfig.Unavailable: true}}
		}
		callBuf := buffer.New(mgr.CallBufferBytes(), mgr.ChannelBudget)
		call := hedging.New(*method, factory, *mc, mgr.Throttle, callBuf, token, logger)
		if *message != "" {
			_ = call.Write(context.Background(), []byte(*message))
		}
		a, result, err := call.Wait(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "chanprobe: %v\n", err)
			os.Exit(1)
		}
		attempt, attempts, reason, status = a, result.Attempts, result.Reason.String(), result.Status
	default:
		mc := sc.DefaultMethodConfig.RetryPolicy
		if mc == nil {
			mc = &serviceconfig.RetryPolicy{
				MaxAttempts: 3, InitialBackoff: 50 * time.Millisecond, MaxBackoff: time.Second, BackoffMultiplier: 2,
				RetryableStatusCodes: map[serviceconfig.Code]bool{serviceconfig.Unavailable: true},
			}
		}
		callBuf := buffer.New(mgr.CallBufferBytes(), mgr.ChannelBudget)
		call := retry.New(*method, factory, *mc, mgr.Throttle, callBuf, token, logger)
		if *message != "" {
			_ = call.Write(context.Background(), []byte(*message))
		}
		a, result, err := call.Wait(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "chanprobe: %v\n", err)
			os.Exit(1)
		}
		attempt, attempts, reason, status = a, result.Attempts, result.Reason.String(), result.Status
	}

	logger.Info("chanprobe: call committed",
		slog.String("method", *method), slog.String("reason", reason), slog.Int("attempts", attempts),
		slog.String("status_code", status.Code.String()), slog.String("status_message", status.Message))

	if attempt != nil {
		final := attempt.FinalStatus(context.Background())
		fmt.Printf("final status: %s: %s\n", final.Code, final.Message)
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// buildResolver constructs the resolver and the default service config
// for this run: a FileResolver when targetsFile is set (SPEC_FULL.md §5),
// otherwise a StaticResolver over the comma-separated -targets flag.
func buildResolver(targetsFile, targets, mode string, logger *slog.Logger) (resolver.Resolver, *serviceconfig.ServiceConfig, error) {
	mc := defaultMethodConfig(mode)
	if targetsFile != "" {
		return resolver.NewFileResolver(targetsFile, logger), mc, nil
	}

	var addrs []address.BalancerAddress
	for _, t := range strings.Split(targets, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		addrs = append(addrs, address.BalancerAddress{Endpoint: t})
	}
	if len(addrs) == 0 {
		return nil, nil, fmt.Errorf("chanprobe: no targets given")
	}
	result := resolver.Result{Addresses: addrs, ServiceConfig: mc}
	return resolver.NewStatic(result), mc, nil
}

func defaultMethodConfig(mode string) *serviceconfig.ServiceConfig {
	sc := serviceconfig.Empty()
	sc.LBConfigs = []serviceconfig.LBConfig{{Name: "round_robin"}}
	switch mode {
	case "hedging":
		sc.DefaultMethodConfig = serviceconfig.MethodConfig{
			HedgingPolicy: &serviceconfig.HedgingPolicy{
				MaxAttempts:         3,
				HedgingDelay:        50 * time.Millisecond,
				NonFatalStatusCodes: map[serviceconfig.Code]bool{serviceconfig.Unavailable: true},
			},
		}
	default:
		sc.DefaultMethodConfig = serviceconfig.MethodConfig{
			RetryPolicy: &serviceconfig.RetryPolicy{
				MaxAttempts:          3,
				InitialBackoff:       50 * time.Millisecond,
				MaxBackoff:           time.Second,
				BackoffMultiplier:    2,
				RetryableStatusCodes: map[serviceconfig.Code]bool{serviceconfig.Unavailable: true},
			},
		}
	}
	return sc
}

// streamAttempt is the one callattempt.Attempt implementation this demo
// binary ships: it picks a subchannel, obtains a raw byte stream, and
// speaks a trivial line-oriented demo protocol ("OK\n" or "ERR
// <code> <message>\n") in place of real HTTP/2 framing, which spec.md §1
// puts out of scope.
type streamAttempt struct {
	mgr    *channel.Manager
	method string

	mu       sync.Mutex
	stream   io.ReadWriteCloser
	reader   *bufio.Reader
	prebaked bool
	headers  callattempt.HeadersResult
	trailers map[string]string
	final    serviceconfig.Status
}

func newStreamAttempt(mgr *channel.Manager, method string) *streamAttempt {
	return &streamAttempt{mgr: mgr, method: method}
}

func (a *streamAttempt) Start(ctx context.Context) error {
	picked, err := a.mgr.Pick(ctx, channel.PickRequest{Method: a.method}, false)
	if err != nil {
		switch e := err.(type) {
		case *channel.DropError:
			a.setPrebaked(e.Status, true)
			return nil
		case *channel.PickError:
			a.setPrebaked(e.Status, false)
			return nil
		default:
			return err
		}
	}

	stream, err := picked.Subchannel.Transport().GetStream(picked.Address)
	if err != nil {
		a.setPrebaked(serviceconfig.New(serviceconfig.Unavailable, err.Error()), false)
		return nil
	}

	a.mu.Lock()
	a.stream = stream
	a.reader = bufio.NewReader(stream)
	a.mu.Unlock()
	return nil
}

func (a *streamAttempt) setPrebaked(status serviceconfig.Status, drop bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prebaked = true
	a.headers = callattempt.HeadersResult{Status: &status}
	a.final = status
	if drop {
		a.trailers = map[string]string{callattempt.TrailerDropRequest: "true"}
	}
}

func (a *streamAttempt) Headers(ctx context.Context) (callattempt.HeadersResult, error) {
	a.mu.Lock()
	if a.prebaked {
		h := a.headers
		a.mu.Unlock()
		return h, nil
	}
	reader := a.reader
	a.mu.Unlock()

	if reader == nil {
		status := serviceconfig.New(serviceconfig.Unavailable, "no stream obtained")
		a.mu.Lock()
		a.final = status
		a.mu.Unlock()
		return callattempt.HeadersResult{Status: &status}, nil
	}

	line, err := readLineCtx(ctx, reader)
	if err != nil {
		return callattempt.HeadersResult{}, err
	}

	status := parseDemoLine(line)
	a.mu.Lock()
	a.final = status
	a.mu.Unlock()
	if status.IsOK() {
		return callattempt.HeadersResult{Status: nil, Streaming: false}, nil
	}
	return callattempt.HeadersResult{Status: &status}, nil
}

func (a *streamAttempt) FinalStatus(context.Context) serviceconfig.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.final
}

func (a *streamAttempt) Trailers() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.trailers
}

func (a *streamAttempt) Write(_ context.Context, msg []byte) error {
	a.mu.Lock()
	stream := a.stream
	a.mu.Unlock()
	if stream == nil {
		return nil
	}
	_, err := stream.Write(append(msg, '\n'))
	return err
}

func (a *streamAttempt) Cancel() {
	a.mu.Lock()
	stream := a.stream
	a.stream = nil
	a.mu.Unlock()
	if stream != nil {
		_ = stream.Close()
	}
}

// readLineCtx reads one newline-terminated line, honoring ctx
// cancellation even though the underlying reader has no context-aware
// API.
func readLineCtx(ctx context.Context, r *bufio.Reader) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := r.ReadString('\n')
		ch <- result{line, err}
	}()
	select {
	case res := <-ch:
		return strings.TrimSpace(res.line), res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// parseDemoLine decodes the demo protocol's one response line.
func parseDemoLine(line string) serviceconfig.Status {
	if line == "OK" {
		return serviceconfig.OKStatus
	}
	fields := strings.SplitN(line, " ", 3)
	if len(fields) >= 1 && fields[0] == "ERR" && len(fields) >= 2 {
		msg := ""
		if len(fields) == 3 {
			msg = fields[2]
		}
		return serviceconfig.New(serviceconfig.Unavailable, strings.TrimSpace(fields[1]+" "+msg))
	}
	return serviceconfig.New(serviceconfig.Unknown, "unrecognized response: "+line)
}

var _ callattempt.Attempt = (*streamAttempt)(nil)
