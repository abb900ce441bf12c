// peerwave-call is a diagnostic signaling client. It creates or joins a room
// on a running broker and drives a real negotiation, which makes it useful for
// probing a deployment without a browser: if two copies of this tool reach the
// connected state against a broker, the signaling path is healthy.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"

	"github.com/peerwave/peerwave/internal/driver"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:3001/ws", "Broker WebSocket URL")
	room := flag.String("room", "", "Room identifier to join (required unless -create)")
	create := flag.Bool("create", false, "Generate a fresh room and print its identifier")
	stun := flag.String("stun", "stun:stun.l.google.com:19302", "STUN server URL")
	timeout := flag.Duration("timeout", 60*time.Second, "Give up if not connected after this long")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if !*create && *room == "" {
		pterm.Error.Println("either -room or -create is required")
		os.Exit(2)
	}
	if *create && *room != "" {
		pterm.Error.Println("-room and -create are mutually exclusive")
		os.Exit(2)
	}

	if *debug {
		pterm.DefaultLogger.Level = pterm.LogLevelDebug
	}

	if err := run(*url, *room, *create, *stun, *timeout, *debug); err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
}

func run(url, room string, create bool, stun string, timeout time.Duration, debug bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The pion internals are noisy; keep them off the terminal unless asked.
	logOut := io.Discard
	logLevel := slog.LevelInfo
	if debug {
		logOut = os.Stderr
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: logLevel}))

	sig, err := driver.Dial(ctx, url)
	if err != nil {
		return err
	}
	pterm.Success.Println("connected to broker " + url)

	neg, err := driver.NewPionNegotiator(log, []string{stun})
	if err != nil {
		_ = sig.Close()
		return err
	}

	d, err := driver.New(driver.Config{
		Logger:     log,
		Signaler:   sig,
		Negotiator: neg,
		Media:      driver.NoMedia{},
	})
	if err != nil {
		_ = sig.Close()
		_ = neg.Close()
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			pterm.Warning.Println("teardown: " + err.Error())
		}
	}()

	if create {
		roomID, err := d.CreateRoom(ctx)
		if err != nil {
			return err
		}
		pterm.Info.Println("created room " + roomID)
		pterm.Println()
		pterm.Println("  peerwave-call -url " + url + " -room " + roomID)
		pterm.Println()
		pterm.Info.Println("waiting for the other party to join...")
	} else {
		if err := d.JoinRoom(ctx, room); err != nil {
			return err
		}
		pterm.Info.Println("joined room " + room)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(runCtx) }()

	spinner, _ := pterm.DefaultSpinner.Start("negotiating...")
	select {
	case <-d.Connected():
		spinner.Success("peer connection established")
		return nil
	case err := <-runErr:
		spinner.Fail("signaling ended before the connection was established")
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("signaling: %w", err)
		}
		return nil
	case <-runCtx.Done():
		spinner.Fail("not connected within " + timeout.String())
		if ctx.Err() != nil {
			// Interrupted by the user, not a failure.
			return nil
		}
		return fmt.Errorf("timed out after %s in state %s", timeout, d.State())
	}
}
