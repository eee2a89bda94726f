package resolver

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/tripwire/chancore/internal/address"
	"github.com/tripwire/chancore/internal/serviceconfig"
)

// fileTarget is one entry in a FileResolver's YAML target list.
type fileTarget struct {
	Endpoint string `yaml:"endpoint"`
}

// fileRetryPolicy mirrors serviceconfig.RetryPolicy in YAML-friendly shape.
type fileRetryPolicy struct {
	MaxAttempts          int      `yaml:"max_attempts"`
	InitialBackoff       string   `yaml:"initial_backoff"`
	MaxBackoff           string   `yaml:"max_backoff"`
	BackoffMultiplier    float64  `yaml:"backoff_multiplier"`
	RetryableStatusCodes []string `yaml:"retryable_status_codes"`
}

// fileHedgingPolicy mirrors serviceconfig.HedgingPolicy in YAML-friendly
// shape.
type fileHedgingPolicy struct {
	MaxAttempts         int      `yaml:"max_attempts"`
	HedgingDelay        string   `yaml:"hedging_delay"`
	NonFatalStatusCodes []string `yaml:"non_fatal_status_codes"`
}

// fileDocument is the on-disk shape a FileResolver reads: a target list
// plus the service-config policy keys named in spec.md §6.
type fileDocument struct {
	Targets             []fileTarget       `yaml:"targets"`
	LoadBalancingPolicy string             `yaml:"load_balancing_policy"`
	RetryPolicy         *fileRetryPolicy   `yaml:"retry_policy"`
	HedgingPolicy       *fileHedgingPolicy `yaml:"hedging_policy"`
}

var codeByName = map[string]serviceconfig.Code{
	"OK": serviceconfig.OK, "CANCELLED": serviceconfig.Canceled, "CANCELED": serviceconfig.Canceled,
	"UNKNOWN": serviceconfig.Unknown, "INVALID_ARGUMENT": serviceconfig.InvalidArgument,
	"DEADLINE_EXCEEDED": serviceconfig.DeadlineExceeded, "NOT_FOUND": serviceconfig.NotFound,
	"ALREADY_EXISTS": serviceconfig.AlreadyExists, "PERMISSION_DENIED": serviceconfig.PermissionDenied,
	"RESOURCE_EXHAUSTED": serviceconfig.ResourceExhausted, "FAILED_PRECONDITION": serviceconfig.FailedPrecondition,
	"ABORTED": serviceconfig.Aborted, "OUT_OF_RANGE": serviceconfig.OutOfRange,
	"UNIMPLEMENTED": serviceconfig.Unimplemented, "INTERNAL": serviceconfig.Internal,
	"UNAVAILABLE": serviceconfig.Unavailable, "DATA_LOSS": serviceconfig.DataLoss,
	"UNAUTHENTICATED": serviceconfig.Unauthenticated,
}

func (d *fileDocument) toResult() (Result, error) {
	addrs := make([]address.BalancerAddress, 0, len(d.Targets))
	for _, t := range d.Targets {
		if t.Endpoint == "" {
			return Result{}, fmt.Errorf("resolver: target with empty endpoint")
		}
		addrs = append(addrs, address.BalancerAddress{Endpoint: t.Endpoint})
	}

	sc := serviceconfig.Empty()
	if d.LoadBalancingPolicy != "" {
		sc.LBConfigs = []serviceconfig.LBConfig{{Name: d.LoadBalancingPolicy}}
	}

	var mc serviceconfig.MethodConfig
	if d.RetryPolicy != nil {
		rp, err := d.RetryPolicy.convert()
		if err != nil {
			return Result{}, err
		}
		mc.RetryPolicy = rp
	}
	if d.HedgingPolicy != nil {
		hp, err := d.HedgingPolicy.convert()
		if err != nil {
			return Result{}, err
		}
		mc.HedgingPolicy = hp
	}
	sc.DefaultMethodConfig = mc

	return Result{Addresses: addrs, ServiceConfig: sc}, nil
}

func (p *fileRetryPolicy) convert() (*serviceconfig.RetryPolicy, error) {
	initial, err := parseDuration(p.InitialBackoff, time.Second)
	if err != nil {
		return nil, err
	}
	max, err := parseDuration(p.MaxBackoff, 30*time.Second)
	if err != nil {
		return nil, err
	}
	codes := make(map[serviceconfig.Code]bool, len(p.RetryableStatusCodes))
	for _, name := range p.RetryableStatusCodes {
		c, ok := codeByName[name]
		if !ok {
			return nil, fmt.Errorf("resolver: unknown retryable status code %q", name)
		}
		codes[c] = true
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2
	}
	return &serviceconfig.RetryPolicy{
		MaxAttempts:          p.MaxAttempts,
		InitialBackoff:       initial,
		MaxBackoff:           max,
		BackoffMultiplier:    mult,
		RetryableStatusCodes: codes,
	}, nil
}

func (p *fileHedgingPolicy) convert() (*serviceconfig.HedgingPolicy, error) {
	delay, err := parseDuration(p.HedgingDelay, 0)
	if err != nil {
		return nil, err
	}
	codes := make(map[serviceconfig.Code]bool, len(p.NonFatalStatusCodes))
	for _, name := range p.NonFatalStatusCodes {
		c, ok := codeByName[name]
		if !ok {
			return nil, fmt.Errorf("resolver: unknown non-fatal status code %q", name)
		}
		codes[c] = true
	}
	return &serviceconfig.HedgingPolicy{
		MaxAttempts:         p.MaxAttempts,
		HedgingDelay:        delay,
		NonFatalStatusCodes: codes,
	}, nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// FileResolver is a Resolver backed by a YAML target-list file (SPEC_FULL.md
// §5): the resolver contract in spec.md §6 is described only as an
// abstract callback interface, so this supplies one concrete, testable
// implementation. Changes to the file are picked up via fsnotify without
// polling; transient read errors (the file briefly missing mid-rewrite by
// an editor) are retried with cenkalti/backoff before being reported as a
// ServiceConfigError per spec.md §4.7.
type FileResolver struct {
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	cb       Callback
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	disposed bool
}

// NewFileResolver constructs a FileResolver watching path. logger may be
// nil.
func NewFileResolver(path string, logger *slog.Logger) *FileResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileResolver{path: path, logger: logger}
}

func (r *FileResolver) Start(cb Callback) error {
	r.mu.Lock()
	r.cb = cb
	r.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("resolver: creating watcher: %w", err)
	}
	if err := watcher.Add(r.path); err != nil {
		watcher.Close()
		return fmt.Errorf("resolver: watching %s: %w", r.path, err)
	}

	r.mu.Lock()
	r.watcher = watcher
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.mu.Unlock()

	go r.watchLoop(watcher, stopCh)

	r.ResolveNow()
	return nil
}

func (r *FileResolver) watchLoop(watcher *fsnotify.Watcher, stopCh chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				r.logger.Debug("resolver: target file changed", slog.String("path", r.path))
				r.ResolveNow()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("resolver: watcher error", slog.Any("error", err))
		}
	}
}

// ResolveNow reads and parses the target file, retrying transient read
// errors (ENOENT during an editor's atomic rewrite) a few times before
// giving up and reporting a ServiceConfigError per spec.md §4.7's
// "result carries a service-config error" path.
func (r *FileResolver) ResolveNow() {
	r.mu.Lock()
	cb := r.cb
	r.mu.Unlock()
	if cb == nil {
		return
	}

	var doc fileDocument
	readErr := backoff.Retry(func() error {
		data, err := os.ReadFile(r.path)
		if err != nil {
			if os.IsNotExist(err) {
				return err // retryable: likely mid atomic-rewrite
			}
			return backoff.Permanent(err)
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3))

	if readErr != nil {
		r.logger.Warn("resolver: failed to read target file", slog.Any("error", readErr))
		cb(Result{ServiceConfigError: fmt.Errorf("resolver: reading %s: %w", r.path, readErr)})
		return
	}

	result, err := doc.toResult()
	if err != nil {
		cb(Result{ServiceConfigError: err})
		return
	}
	cb(result)
}

func (r *FileResolver) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	watcher := r.watcher
	stopCh := r.stopCh
	r.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	if watcher != nil {
		watcher.Close()
	}
}

var _ Resolver = (*FileResolver)(nil)
