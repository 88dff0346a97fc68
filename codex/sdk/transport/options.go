package transport

import (
	"os"
	"syscall"
	"time"
)

const (
	// DefaultMaxBufferSize caps a single incomplete stdout line (1MB)
	DefaultMaxBufferSize = 1024 * 1024

	// DefaultStderrBufferSize is how much stderr is retained for diagnostics
	DefaultStderrBufferSize = 64 * 1024

	DefaultMaxPendingLines  = 1024
	DefaultMaxSubscriberLag = 4 * DefaultMaxPendingLines
	DefaultDrainBatch       = 64
	DefaultDrainRetry       = 5 * time.Millisecond
	DefaultSubscriberBuffer = 256
	DefaultHeadlessTimeout  = 30 * time.Second
	DefaultGracePeriod      = 5 * time.Second
	DefaultExitDrainDelay   = 20 * time.Millisecond
	DefaultExitDrainTimeout = 2 * time.Second

	readChunkSize        = 32 * 1024
	finalDeliveryTimeout = 5 * time.Second
)

// Options configures the subprocess transport
type Options struct {
	// Process
	Command string
	Args    []string
	Cwd     string

	// Env overrides applied on top of the inherited environment.
	// Empty values are not passed to the child.
	Env map[string]string

	// Buffering
	MaxBufferSize    int
	StderrBufferSize int
	MaxPendingLines  int
	MaxSubscriberLag int
	DrainBatch       int
	DrainRetry       time.Duration
	SubscriberBuffer int

	// Lifecycle
	HeadlessTimeout  time.Duration
	GracePeriod      time.Duration
	ExitDrainDelay   time.Duration
	ExitDrainTimeout time.Duration
	StopSignal       os.Signal

	// Initial subscriber, optional
	Subscriber *Subscriber
}

func (o Options) withDefaults() Options {
	if o.MaxBufferSize <= 0 {
		o.MaxBufferSize = DefaultMaxBufferSize
	}
	if o.StderrBufferSize <= 0 {
		o.StderrBufferSize = DefaultStderrBufferSize
	}
	if o.MaxPendingLines <= 0 {
		o.MaxPendingLines = DefaultMaxPendingLines
	}
	if o.MaxSubscriberLag <= 0 {
		o.MaxSubscriberLag = DefaultMaxSubscriberLag
	}
	if o.DrainBatch <= 0 {
		o.DrainBatch = DefaultDrainBatch
	}
	if o.DrainRetry <= 0 {
		o.DrainRetry = DefaultDrainRetry
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if o.HeadlessTimeout <= 0 {
		o.HeadlessTimeout = DefaultHeadlessTimeout
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.ExitDrainDelay <= 0 {
		o.ExitDrainDelay = DefaultExitDrainDelay
	}
	if o.ExitDrainTimeout <= 0 {
		o.ExitDrainTimeout = DefaultExitDrainTimeout
	}
	if o.StopSignal == nil {
		o.StopSignal = syscall.SIGTERM
	}
	return o
}

// buildEnv returns the inherited environment plus non-empty overrides.
// exec.Cmd keeps the last value for duplicate keys, so overrides win.
func (o Options) buildEnv() []string {
	env := os.Environ()
	for key, value := range o.Env {
		if value == "" {
			continue
		}
		env = append(env, key+"="+value)
	}
	return env
}
