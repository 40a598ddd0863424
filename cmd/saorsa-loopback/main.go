// Command saorsa-loopback is a self-contained demo of the Call Manager:
// two local identities, wired together with an in-memory signaling
// loopback and an in-memory QUIC connection pair, place and connect one
// call, send one audio sample from the caller to the callee, then hang up. It proves
// the whole stack end-to-end without a network or a second process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/saorsa-labs/saorsa-webrtc/pkg/call"
	"github.com/saorsa-labs/saorsa-webrtc/pkg/frame"
	"github.com/saorsa-labs/saorsa-webrtc/pkg/logger"
	"github.com/saorsa-labs/saorsa-webrtc/pkg/signaling"
	"github.com/saorsa-labs/saorsa-webrtc/pkg/transport/transporttest"
)

func main() {
	fs := flag.NewFlagSet("saorsa-loopback", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "In-process demo of the Call Manager and Media Transport\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		logger.PrintUsageExamples()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logConfig, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logger: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	logger.SetDefault(log)

	log.Info("starting loopback call demo", "log_config", logFlags.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	aliceID := signaling.OpaqueIdentity("alice")
	bobID := signaling.OpaqueIdentity("bob")

	aliceSignaler := signaling.NewLoopbackSignaler(aliceID)
	bobSignaler := signaling.NewLoopbackSignaler(bobID)
	signaling.Pair(aliceSignaler, bobSignaler)

	alice := call.NewManager(aliceID, aliceSignaler, call.DefaultConfig(), log.With("peer", "alice"))
	bob := call.NewManager(bobID, bobSignaler, call.DefaultConfig(), log.With("peer", "bob"))
	alice.Start()
	bob.Start()
	defer alice.Close()
	defer bob.Close()

	go logEvents(ctx, log, "alice", alice.Events())
	go logEvents(ctx, log, "bob", bob.Events())

	constraints := signaling.MediaConstraints{Audio: true, Video: true, MaxBandwidthKbps: 4_000}

	aliceCall, err := alice.PlaceCall(ctx, bobID, constraints)
	if err != nil {
		log.Error("failed to place call", "error", err)
		os.Exit(1)
	}
	log.Info("call placed", "call_id", aliceCall.ID.String())

	bobCall, err := waitForCall(ctx, bob, aliceCall.ID)
	if err != nil {
		log.Error("callee never saw the call request", "error", err)
		os.Exit(1)
	}

	if err := bob.AcceptCall(ctx, aliceCall.ID, constraints); err != nil {
		log.Error("failed to accept call", "error", err)
		os.Exit(1)
	}

	if err := waitForState(ctx, aliceCall, call.StateConnecting); err != nil {
		log.Error("negotiation never completed", "error", err)
		os.Exit(1)
	}

	callerConn := transporttest.NewFakeConnection()
	calleeConn := transporttest.NewFakeConnection()
	transporttest.Link(callerConn, calleeConn)

	attachErrs := make(chan error, 2)
	go func() { attachErrs <- alice.AttachTransport(ctx, aliceCall.ID, callerConn) }()
	go func() { attachErrs <- bob.AttachTransport(ctx, aliceCall.ID, calleeConn) }()
	if err := <-attachErrs; err != nil {
		log.Error("transport attach failed", "error", err)
		os.Exit(1)
	}
	if err := <-attachErrs; err != nil {
		log.Error("transport attach failed", "error", err)
		os.Exit(1)
	}
	negotiated := aliceCall.NegotiatedCapabilities()
	log.Info("call connected", "negotiated_audio", negotiated.Audio, "negotiated_video", negotiated.Video, "negotiated_max_bandwidth_kbps", negotiated.MaxBandwidthKbps)

	sendCtx, sendCancel := context.WithTimeout(ctx, 2*time.Second)
	defer sendCancel()
	if err := aliceCall.Transport().Send(sendCtx, frame.StreamTypeAudio, []byte("hello from alice")); err != nil {
		log.Error("failed to send sample", "error", err)
		os.Exit(1)
	}
	typ, payload, err := bobCall.Transport().Receive(sendCtx)
	if err != nil {
		log.Error("failed to receive sample", "error", err)
		os.Exit(1)
	}
	log.Info("bob received sample", "stream", typ.String(), "payload", string(payload))

	if err := alice.EndCall(ctx, aliceCall.ID); err != nil {
		log.Error("failed to end call", "error", err)
		os.Exit(1)
	}

	log.Info("demo complete")
}

func waitForCall(ctx context.Context, m *call.Manager, id call.Id) (*call.Call, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(2 * time.Second)
	for {
		if c, ok := m.Get(id); ok {
			return c, nil
		}
		select {
		case <-ticker.C:
		case <-deadline:
			return nil, fmt.Errorf("timed out waiting for call %s", id.String())
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func waitForState(ctx context.Context, c *call.Call, state call.State) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(2 * time.Second)
	for {
		if c.State() == state {
			return nil
		}
		select {
		case <-ticker.C:
		case <-deadline:
			return fmt.Errorf("timed out waiting for state %s, last seen %s", state, c.State())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func logEvents(ctx context.Context, log *logger.Logger, who string, events <-chan call.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			log.DebugCall("call event", "who", who, "call_id", ev.CallID.String(), "kind", ev.Kind, "from", ev.From, "to", ev.To)
		case <-ctx.Done():
			return
		}
	}
}
