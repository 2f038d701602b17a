// Package session composes the reassembler, ordered dispatcher, codec,
// inference bridge, and fan-out hub into one running pipeline for a single
// point in the INCOMING_FORMAT × OUTGOING_FORMAT × PROTOCOL ×
// INFERENCE_ENABLED matrix of spec.md §4.8/§9, and owns that pipeline's
// RESET and shutdown sequences.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/framepipe/ingest/internal/codec"
	"github.com/framepipe/ingest/internal/dispatcher"
	"github.com/framepipe/ingest/internal/errors"
	"github.com/framepipe/ingest/internal/fanout"
	"github.com/framepipe/ingest/internal/frame"
	"github.com/framepipe/ingest/internal/hooks"
	"github.com/framepipe/ingest/internal/inference"
	"github.com/framepipe/ingest/internal/logger"
	"github.com/framepipe/ingest/internal/metrics"
	"github.com/framepipe/ingest/internal/reassembler"
)

// Controller owns one running variant of the pipeline end to end: the
// transport listener, the reassembler, the optional ordered dispatcher
// (UDP only), the optional decode/inference/encode chain, and the terminal
// fan-out hub.
type Controller struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Registry

	udpConn     *net.UDPConn
	tcpListener net.Listener

	udpReasm *reassembler.UDPReassembler
	tcpReasm *reassembler.TCPReassembler
	disp     *dispatcher.Dispatcher

	nalCodec codec.NALCodec
	dec      *codec.Decoder
	enc      *codec.Encoder
	bridge   *inference.Bridge

	Hub *fanout.Hub

	// Hooks fires lifecycle notifications (session start/stop, RESET,
	// inference crashes) when non-nil. Callers register Hook
	// implementations with it before calling Start.
	Hooks *hooks.Manager

	paused atomic.Bool

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New constructs an unstarted Controller for cfg.Variant.
func New(cfg Config, m *metrics.Registry) *Controller {
	cfg.applyDefaults()
	return &Controller{
		cfg:     cfg,
		log:     logger.Logger().With("component", "session_controller", "variant", fmt.Sprintf("%+v", cfg.Variant)),
		metrics: m,
		Hub:     fanout.New(m),
		Hooks:   hooks.NewManager(hooks.DefaultConfig(), logger.Logger().With("component", "hooks")),
	}
}

func (c *Controller) fire(eventType hooks.EventType, data map[string]interface{}) {
	if c.Hooks == nil {
		return
	}
	event := hooks.NewEvent(eventType, time.Now()).WithVariant(fmt.Sprintf("%+v", c.cfg.Variant))
	for k, v := range data {
		event.WithData(k, v)
	}
	c.Hooks.Fire(context.Background(), *event)
}

// Start binds the transport, wires the pipeline graph for cfg.Variant, and
// launches every goroutine. Start is not safe to call twice.
func (c *Controller) Start(ctx context.Context) error {
	if c.started {
		return errors.NewTransportError("session.start", fmt.Errorf("controller already started"))
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	ordered, err := c.bindAndReassemble(runCtx)
	if err != nil {
		cancel()
		return err
	}

	terminal := c.wireCodecChain(runCtx, ordered)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for f := range terminal {
			c.Hub.Publish(f)
		}
	}()

	c.fire(hooks.EventSessionStart, nil)
	return nil
}

// bindAndReassemble opens the transport listener for cfg.Variant.Protocol
// and returns the strictly-ordered frame.Frame stream: for UDP this runs
// through the ordered dispatcher (spec.md §4.4), for TCP the reassembler's
// output is already in order (spec.md §4.3 "TCP is already in order").
func (c *Controller) bindAndReassemble(ctx context.Context) (<-chan frame.Frame, error) {
	addr := net.JoinHostPort(c.cfg.ListenAddr, strconv.Itoa(c.cfg.Variant.Port()))

	switch c.cfg.Variant.Protocol {
	case ProtocolUDP:
		return c.bindUDP(ctx, addr)
	default:
		return c.bindTCP(ctx, addr)
	}
}

func (c *Controller) bindUDP(ctx context.Context, addr string) (<-chan frame.Frame, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.NewTransportError("session.resolve_udp", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.NewTransportError("session.listen_udp", err)
	}
	c.udpConn = conn

	c.udpReasm = reassembler.NewUDP(udpAckWriter{conn}, c.cfg.Reassembler, c.metrics, c.cfg.ReasmFrameBuf)

	dispIn := make(chan dispatcher.Input, c.cfg.ReasmFrameBuf)
	c.disp = dispatcher.New(dispIn, c.cfg.Dispatcher, c.metrics, c.cfg.DispatchOutBuf)

	c.wg.Add(3)
	go c.runUDPReadLoop(ctx, conn)
	go c.pumpAssembledToDispatcher(ctx, c.udpReasm.Frames(), dispIn)
	go func() {
		defer c.wg.Done()
		c.disp.Run(ctx.Done())
	}()

	out := make(chan frame.Frame, c.cfg.DispatchOutBuf)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(out)
		for o := range c.disp.Output() {
			out <- frame.Frame{ID: o.FrameID, Format: c.cfg.Variant.Incoming, Payload: o.Payload}
		}
	}()
	return out, nil
}

func (c *Controller) bindTCP(ctx context.Context, addr string) (<-chan frame.Frame, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.NewTransportError("session.listen_tcp", err)
	}
	c.tcpListener = ln

	c.tcpReasm = reassembler.NewTCP(c.cfg.Reassembler, c.metrics, c.cfg.TCPScanBufferSize, c.cfg.ReasmFrameBuf)

	c.wg.Add(1)
	go c.runTCPAcceptLoop(ctx, ln)

	out := make(chan frame.Frame, c.cfg.ReasmFrameBuf)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case af, ok := <-c.tcpReasm.Frames():
				if !ok {
					return
				}
				out <- frame.Frame{ID: frame.Mask(af.FrameID), Format: c.cfg.Variant.Incoming, Payload: af.Payload}
			}
		}
	}()
	return out, nil
}

func (c *Controller) runUDPReadLoop(ctx context.Context, conn *net.UDPConn) {
	defer c.wg.Done()
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		if c.paused.Load() {
			continue
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		_ = c.udpReasm.HandleDatagram(peer, raw)
	}
}

func (c *Controller) runTCPAcceptLoop(ctx context.Context, ln net.Listener) {
	defer c.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.log.Warn("tcp accept error", "error", err)
			return
		}
		if c.paused.Load() {
			_ = conn.Close()
			continue
		}
		if err := c.tcpReasm.Accept(conn); err != nil {
			c.log.Warn("tcp connection rejected", "error", err)
		}
	}
}

func (c *Controller) pumpAssembledToDispatcher(ctx context.Context, in <-chan reassembler.AssembledFrame, out chan<- dispatcher.Input) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case af, ok := <-in:
			if !ok {
				return
			}
			if c.paused.Load() {
				continue
			}
			select {
			case out <- dispatcher.Input{FrameID: frame.Mask(af.FrameID), Payload: af.Payload}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// wireCodecChain attaches the optional decode → inference → encode stages
// when the variant needs a format conversion or inference is enabled
// (spec.md §4.5/§4.6); otherwise ordered frames pass straight through to
// fan-out.
func (c *Controller) wireCodecChain(ctx context.Context, ordered <-chan frame.Frame) <-chan frame.Frame {
	v := c.cfg.Variant
	needsCodec := v.InferenceEnabled || v.Incoming != v.Outgoing
	if !needsCodec {
		return ordered
	}

	c.nalCodec = codec.NewReferenceCodec(c.cfg.Codec)
	c.dec = codec.NewDecoder(c.nalCodec, ordered, c.cfg.Codec, c.metrics, c.cfg.CodecOutBuf)

	var encIn <-chan frame.Frame
	if v.InferenceEnabled {
		bridge, err := inference.New(c.cfg.Inference, c.metrics)
		if err != nil {
			c.log.Error("inference bridge construction failed", "error", err)
			encIn = c.dec.Output()
		} else {
			c.bridge = bridge
			if err := c.bridge.Start(ctx); err != nil {
				c.log.Error("inference bridge start failed", "error", err)
			}
			encIn = c.runInferenceRoundTrip(ctx, c.dec.Output())
		}
	} else {
		encIn = c.dec.Output()
	}

	c.enc = codec.NewEncoder(c.nalCodec, encIn, c.cfg.Codec, c.metrics, c.cfg.CodecOutBuf)

	c.wg.Add(2)
	go func() { defer c.wg.Done(); _ = c.dec.Run(ctx) }()
	go func() { defer c.wg.Done(); _ = c.enc.Run(ctx) }()

	return c.enc.Output()
}

// runInferenceRoundTrip submits every decoded frame to the inference bridge
// and relays its annotated output back into the encode stage, preserving
// frame_id (spec.md §4.6).
func (c *Controller) runInferenceRoundTrip(ctx context.Context, decoded <-chan frame.Frame) <-chan frame.Frame {
	out := make(chan frame.Frame, c.cfg.CodecOutBuf)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-decoded:
				if !ok {
					return
				}
				if err := c.bridge.Submit(uint32(f.ID), f.Payload); err != nil {
					c.log.Warn("inference submit failed", "frame_id", f.ID, "error", err)
					if c.metrics != nil {
						c.metrics.CodecErrors.WithLabelValues("inference_submit").Inc()
					}
				}
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(out)
		for {
			id, payload, err := c.bridge.Receive()
			if err != nil {
				if !errors.IsQueueStopped(err) {
					c.log.Warn("inference receive failed", "error", err)
					c.fire(hooks.EventInferenceCrash, map[string]interface{}{"error": err.Error()})
					if c.metrics != nil {
						c.metrics.InferenceCrashes.Inc()
					}
				}
				return
			}
			select {
			case out <- frame.Frame{ID: frame.Mask(id), Format: frame.FormatBGR, Payload: payload}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Reset implements the RESET sequence of spec.md §4.8: stop the protocol,
// abort the transport, wait for it to close, clear dispatch/reassembly
// state, then resume accepting.
func (c *Controller) Reset(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ResetTimeout)
	defer cancel()

	c.fire(hooks.EventResetTriggered, nil)
	c.paused.Store(true)

	if c.cfg.Variant.Protocol == ProtocolTCP && c.tcpReasm != nil {
		c.tcpReasm.Abort()
		if err := c.waitForTCPClose(ctx); err != nil {
			return err
		}
	}

	if c.udpReasm != nil {
		c.udpReasm.Reset()
	}
	if c.disp != nil {
		select {
		case <-c.disp.Reset():
		case <-ctx.Done():
			return errors.NewTimeoutError("session.reset", c.cfg.ResetTimeout, ctx.Err())
		}
	}

	c.paused.Store(false)
	c.fire(hooks.EventResetComplete, nil)
	return nil
}

func (c *Controller) waitForTCPClose(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.ResetPollInterval)
	defer ticker.Stop()
	for {
		if !c.tcpReasm.HasClient() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.NewTimeoutError("session.reset.await_protocol_closed", c.cfg.ResetTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stop implements the guarded cleanup sequence of spec.md §5: each step
// runs even if an earlier one failed, since a stuck shutdown is worse than
// a partially-clean one.
func (c *Controller) Stop() {
	c.paused.Store(true)

	c.guard("abort_transport", func() {
		if c.tcpReasm != nil {
			c.tcpReasm.Abort()
		}
		if c.udpConn != nil {
			_ = c.udpConn.Close()
		}
		if c.tcpListener != nil {
			_ = c.tcpListener.Close()
		}
	})

	c.guard("cancel_tasks", func() {
		if c.cancel != nil {
			c.cancel()
		}
	})

	c.guard("stop_inference_bridge", func() {
		if c.bridge != nil {
			c.bridge.Stop()
		}
	})

	c.guard("join_tasks", func() {
		done := make(chan struct{})
		go func() { c.wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			c.log.Warn("session shutdown timed out waiting for tasks to exit")
		}
	})

	c.fire(hooks.EventSessionStop, nil)
	if c.Hooks != nil {
		c.Hooks.Close()
	}
	c.log.Info("session controller stopped")
}

func (c *Controller) guard(step string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("shutdown step panicked", "step", step, "panic", r)
		}
	}()
	fn()
}

type udpAckWriter struct{ conn *net.UDPConn }

func (w udpAckWriter) WriteAckTo(addr *net.UDPAddr, ack []byte) error {
	_, err := w.conn.WriteToUDP(ack, addr)
	return err
}
