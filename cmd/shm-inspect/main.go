package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/localbus/shmbus/internal/cfg"
	"github.com/localbus/shmbus/internal/telemetry"
	"github.com/localbus/shmbus/internal/transport/shm"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	setupLogging()

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	if cfg.Config.Prometheus.Enabled {
		telemetry.InitializeTelemetry()
		go serveMetrics()
	}

	reg := shm.NewRegistry(cfg.Config.SHM.Directory)

	var err error
	switch cmd, rest := args[0], args[1:]; cmd {
	case "header":
		err = runHeader(reg, rest)
	case "events":
		err = runEvents(reg, rest)
	case "publish":
		err = runPublish(reg, rest)
	case "observe":
		err = runObserve(reg, rest)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`shm-inspect - shared memory transport diagnostics

Usage:
  shm-inspect [flags] <command> [args]

Commands:
  header  <memfile>                 Print a memfile header and its current sample header
  events  [broadcast]               Print the records resident in a broadcast queue
  publish <base> <pid> <text>       Publish text periodically to reader pid until interrupted
  observe <memfile> <pid>           Print samples written for reader pid until interrupted
  help                              Show this help

Flags:`)
	flag.PrintDefaults()
}

func setupLogging() {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stderr
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Int("pid", os.Getpid()).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}
}

func serveMetrics() {
	addr := net.JoinHostPort(cfg.Config.Prometheus.Address, strconv.Itoa(cfg.Config.Prometheus.Port))
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.GetMetricsHandler())

	log.Info().Str("address", addr).Msg("Serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Metrics server stopped")
	}
}

// interruptContext is cancelled on SIGINT or SIGTERM.
func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runHeader(reg *shm.Registry, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: header <memfile>")
	}
	mf, err := shm.CreateMemFile(args[0], false, 0, shm.MemFileOptions{
		Registry:      reg,
		CreateTimeout: cfg.Config.SHM.AccessTimeout(),
	})
	if err != nil {
		return err
	}
	defer mf.Destroy(false)

	fmt.Printf("memfile:     %s\n", mf.Name())
	fmt.Printf("path:        %s\n", reg.Path(mf.Name()))
	fmt.Printf("creator pid: %d\n", mf.CreatorPID())
	fmt.Printf("capacity:    %d bytes\n", mf.MaxDataSize())
	fmt.Printf("data size:   %d bytes\n", mf.DataSize())

	if !mf.GetReadAccess(cfg.Config.SHM.AccessTimeout()) {
		return fmt.Errorf("memfile %s: %w", mf.Name(), shm.ErrAccessTimeout)
	}
	defer mf.ReleaseReadAccess()

	raw, err := mf.ReadBuffer()
	if err != nil {
		return err
	}
	hdr, err := shm.DecodePayloadHeader(raw)
	if err != nil {
		fmt.Println("sample:      none")
		return nil
	}
	fmt.Printf("sample:      id=%d clock=%d size=%d hash=%016x zero_copy=%t ack_timeout=%s time=%s\n",
		hdr.ID, hdr.Clock, hdr.DataSize, hdr.Hash, hdr.ZeroCopy, hdr.AckTimeout(),
		time.UnixMicro(hdr.Time).Format(time.RFC3339Nano))
	return nil
}

func runEvents(reg *shm.Registry, args []string) error {
	name := cfg.Config.Registration.BroadcastName
	if len(args) > 0 {
		name = args[0]
	}
	b, err := shm.NewMemoryFileBroadcast(name, int(cfg.Config.Registration.QueueSize), cfg.Config.BroadcastOptions(reg))
	if err != nil {
		return err
	}
	defer b.Destroy(false)

	msgs, ok := b.Events(cfg.Config.SHM.AccessTimeout())
	if !ok {
		return fmt.Errorf("broadcast %s: %w", name, shm.ErrAccessTimeout)
	}
	fmt.Printf("broadcast %s: %d records, newest first\n", name, len(msgs))
	for _, m := range msgs {
		fmt.Printf("  %s  pid=%-7d %-8s event=%016x\n",
			time.UnixMicro(m.Timestamp).Format(time.RFC3339Nano), m.ProcessID, m.Type, m.EventID)
	}
	return nil
}

func runPublish(reg *shm.Registry, args []string) error {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	interval := fs.Duration("interval", time.Second, "Time between samples")
	count := fs.Uint64("count", 0, "Stop after this many samples (0 = until interrupted)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 3 {
		return fmt.Errorf("usage: publish [-interval d] [-count n] <base> <pid> <text>")
	}
	base, pid, text := fs.Arg(0), fs.Arg(1), fs.Arg(2)

	shmCfg := cfg.Config.SHM
	attr := shmCfg.SyncMemFileAttr(reg)
	attr.OnRecreate = func(name string) {
		log.Info().Str("memfile", name).Msg("Channel recreated")
	}
	sm, err := shm.NewSyncMemFile(base, uint64(len(text)), attr)
	if err != nil {
		return err
	}
	defer sm.Destroy()
	if err := sm.Connect(pid); err != nil {
		return err
	}
	log.Info().Str("memfile", sm.Name()).Str("reader", pid).Msg("Publishing")

	ctx, cancel := interruptContext()
	defer cancel()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	id := shm.NewEventID()
	for clock := uint64(1); *count == 0 || clock <= *count; clock++ {
		payload := []byte(fmt.Sprintf("%s #%d", text, clock))
		err := sm.WriteBuffer(payload, shm.WriteAttr{
			ID:         id,
			Clock:      clock,
			ZeroCopy:   shmCfg.ZeroCopy,
			AckTimeout: shmCfg.AckTimeout(),
		})
		if err != nil {
			return err
		}
		log.Debug().Uint64("clock", clock).Int("size", len(payload)).Msg("Sample written")

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

func runObserve(reg *shm.Registry, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: observe <memfile> <pid>")
	}
	name, pid := args[0], args[1]

	pool := shm.NewMemFileThreadPool(cfg.Config.SHM.PoolOptions(reg))
	defer pool.Stop()

	cb := func(data []byte, id, clock uint64, ts int64, hash uint64) int {
		fmt.Printf("%s id=%016x clock=%d size=%d hash=%016x %q\n",
			time.UnixMicro(ts).Format(time.RFC3339Nano), id, clock, len(data), hash, data)
		return len(data)
	}
	timeout := cfg.Config.SHM.InactivityTimeout()
	if !pool.ObserveFile(name, shm.EventName(name, pid), timeout, cb) {
		return fmt.Errorf("cannot observe memfile %s", name)
	}
	log.Info().Str("memfile", name).Str("reader", pid).Dur("timeout", timeout).Msg("Observing")

	ctx, cancel := interruptContext()
	defer cancel()

	ticker := time.NewTicker(cfg.Config.SHM.CleanupInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !pool.IsObserving(name) {
				log.Info().Str("memfile", name).Msg("Writer inactive, stopping")
				return nil
			}
		}
	}
}
