// Package inference bridges the pipeline to an external worker process via
// two shared ring queues, per spec.md §4.6. The worker process and the
// model it runs are out of scope; this package owns only the process's
// lifetime and the two queues that carry frames to and from it.
package inference

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/framepipe/ingest/internal/errors"
	"github.com/framepipe/ingest/internal/logger"
	"github.com/framepipe/ingest/internal/metrics"
	"github.com/framepipe/ingest/internal/ring"
)

// Config describes how to launch the inference worker and the shape of the
// two ring queues connecting to it.
type Config struct {
	Command         string
	Args            []string
	Capacity        int
	SlotPayloadSize int
}

func (c *Config) applyDefaults() {
	if c.Capacity == 0 {
		c.Capacity = 8
	}
}

// Bridge owns the input/output ring queues and the worker process.
// Submit/Receive are called from the session's pipeline goroutines; the
// worker process is unaware of anything beyond the two inherited file
// descriptors.
type Bridge struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Registry

	input     *ring.Queue
	inputFile *os.File

	output     *ring.Queue
	outputFile *os.File

	mu    sync.Mutex
	cmd   *exec.Cmd
	done  chan struct{}
	fatal error
}

// New creates the input/output queues. The worker process is not started
// until Start is called.
func New(cfg Config, m *metrics.Registry) (*Bridge, error) {
	cfg.applyDefaults()
	qcfg := ring.Config{Capacity: cfg.Capacity, SlotPayloadSize: cfg.SlotPayloadSize}

	input, inputFile, err := ring.New("inference-in", qcfg)
	if err != nil {
		return nil, errors.NewQueueError("inference.new_input", err)
	}
	output, outputFile, err := ring.New("inference-out", qcfg)
	if err != nil {
		_ = input.Close()
		return nil, errors.NewQueueError("inference.new_output", err)
	}

	return &Bridge{
		cfg:        cfg,
		log:        logger.Logger().With("component", "inference_bridge"),
		metrics:    m,
		input:      input,
		inputFile:  inputFile,
		output:     output,
		outputFile: outputFile,
		done:       make(chan struct{}),
	}, nil
}

// Start spawns the worker process, handing it the input and output queue
// file descriptors via ExtraFiles (fd 3 and fd 4 inside the child, by
// os/exec convention). It is safe to call only once.
func (b *Bridge) Start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, b.cfg.Command, b.cfg.Args...)
	cmd.ExtraFiles = []*os.File{b.inputFile, b.outputFile}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return errors.NewQueueError("inference.start", err)
	}

	b.mu.Lock()
	b.cmd = cmd
	b.mu.Unlock()

	go b.watch()
	return nil
}

// watch waits for the child process and records an unclean exit as
// session-fatal (spec.md §7 "Inference process crash" — do not auto-restart).
func (b *Bridge) watch() {
	defer close(b.done)
	err := b.cmd.Wait()
	if err == nil {
		return
	}
	b.mu.Lock()
	b.fatal = fmt.Errorf("inference worker exited: %w", err)
	b.mu.Unlock()
	b.log.Error("inference worker crashed", "error", err)
	if b.metrics != nil {
		b.metrics.InferenceCrashes.Inc()
	}
}

// Err returns the session-fatal error recorded by an unclean worker exit,
// or nil while the worker is healthy (or has not been started).
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fatal
}

// Submit writes a raw frame to the worker's input queue, preserving
// frame_id, per spec.md §4.6.
func (b *Bridge) Submit(frameID uint32, payload []byte) error {
	return b.input.Put(frameID, payload)
}

// Receive reads one annotated frame from the worker's output queue.
func (b *Bridge) Receive() (frameID uint32, payload []byte, err error) {
	return b.output.Get()
}

// Stop tears down the bridge: it drains both queues' waiters, SIGKILLs the
// worker process, and joins it, per spec.md §5's guarded cleanup sequence
// ("kill inference process (SIGKILL + join)"). Stop does not attempt a
// graceful shutdown of the worker — an inference crash is already
// session-fatal, so an explicit Stop is treated the same way.
func (b *Bridge) Stop() {
	b.input.Stop()
	b.output.Stop()

	b.mu.Lock()
	cmd := b.cmd
	b.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		<-b.done
	}

	_ = b.input.Close()
	_ = b.output.Close()
}
