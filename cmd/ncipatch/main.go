// ncipatch downloads a firmware patch into an NCI controller.
//
// Settings come from an optional TOML file (-config) and are overridden by
// flags. The same file may carry the transport keys understood by the
// library config store (SPD_MAX_PAYLOAD, PATCH_RAM_DELAY, ...).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pterm/pterm"
	"github.com/rs/zerolog"

	hal "github.com/librescoot/ncihal"
)

func main() {
	configPath := flag.String("config", "", "TOML config file")
	driver := flag.String("driver", "", "Channel driver: serial or fd")
	port := flag.String("port", "", "Serial port or device node")
	baud := flag.Int("baud", 0, "UART baud rate")
	patchPath := flag.String("patch", "", "Patch file")
	preFixPath := flag.String("prefix", "", "Pre-fix patch file")
	maxPayload := flag.Int("max-payload", 0, "Patch download command payload size")
	stream := flag.Bool("stream", false, "Stream the patch on request instead of handing over the whole file")
	debug := flag.Bool("debug", false, "Enable frame tracing")
	flag.Parse()

	cfg := defaultToolConfig()
	var opts []hal.Option
	if *configPath != "" {
		var err error
		cfg, err = loadToolConfig(*configPath, cfg)
		if err != nil {
			pterm.Error.Println(err.Error())
			os.Exit(1)
		}
		store, err := hal.LoadConfigStore(*configPath)
		if err != nil {
			pterm.Error.Println(err.Error())
			os.Exit(1)
		}
		opts = append(opts, hal.WithConfigStore(store))
	}
	overrideString(&cfg.Driver, *driver)
	overrideString(&cfg.Port, *port)
	overrideString(&cfg.Patch, *patchPath)
	overrideString(&cfg.PreFix, *preFixPath)
	if *baud > 0 {
		cfg.Baud = *baud
	}
	cfg.Debug = cfg.Debug || *debug
	cfg.Stream = cfg.Stream || *stream

	logger := initLogger(cfg.Debug)
	if cfg.Port == "" || cfg.Patch == "" {
		pterm.Error.Println("both a port (-port) and a patch file (-patch) are required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, *maxPayload, logger, opts); err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
}

func overrideString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func initLogger(debug bool) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(output).Level(level).With().Timestamp().Str("app", "ncipatch").Logger()
}

func openChannel(cfg toolConfig, logCallback hal.LogCallback) (hal.ByteChannel, error) {
	switch cfg.Driver {
	case "serial", "uart":
		ch, err := hal.OpenSerialChannel(cfg.Port, cfg.Baud, logCallback)
		if err != nil {
			return nil, err
		}
		return ch, nil
	case "fd", "device":
		ch, err := hal.OpenFdChannel(cfg.Port, logCallback)
		if err != nil {
			return nil, err
		}
		return ch, nil
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

func run(ctx context.Context, cfg toolConfig, maxPayload int, logger zerolog.Logger, opts []hal.Option) error {
	patch, err := os.ReadFile(cfg.Patch)
	if err != nil {
		return fmt.Errorf("read patch: %w", err)
	}
	header, err := hal.ParsePatchFileHeader(patch)
	if err != nil {
		return fmt.Errorf("patch %s: %w", cfg.Patch, err)
	}
	var preFix []byte
	if cfg.PreFix != "" {
		if preFix, err = os.ReadFile(cfg.PreFix); err != nil {
			return fmt.Errorf("read pre-fix patch: %w", err)
		}
	}

	logCallback := hal.ZerologCallback(logger)
	ch, err := openChannel(cfg, logCallback)
	if err != nil {
		return err
	}

	events := make(chan hal.PatchEvent, 64)
	callbacks := hal.Callbacks{
		OnPatchEvent: patchEventSink(events, logger),
		OnTransportError: func(err error) {
			logger.Warn().Err(err).Int("code", hal.ErrorCode(err)).Msg("transport error")
		},
		OnPacket: func(p *hal.Packet) {
			logger.Debug().Str("kind", p.Kind.String()).Hex("data", p.Bytes()).Msg("unsolicited packet")
			p.Release()
		},
	}

	opts = append(opts,
		hal.WithLogCallback(logCallback),
		hal.WithDebug(cfg.Debug),
		hal.WithNCIEpilog(3*time.Second),
	)
	t, err := hal.New(hal.NewSingleLink(ch), callbacks, opts...)
	if err != nil {
		ch.Close()
		return err
	}
	if err := t.Start(); err != nil {
		return err
	}
	defer shutdown(t, logger)

	t.Signal(hal.SignalPreBringUp)
	if maxPayload > 0 {
		if err := t.SetMaxPatchPayload(maxPayload); err != nil {
			return err
		}
	}

	req := hal.PatchRequest{PreFix: preFix}
	if !cfg.Stream {
		req.Patch = patch
	}
	if err := t.StartPatchDownload(req); err != nil {
		return err
	}
	pterm.Info.Printfln("Patch %d.%d for project 0x%04X, %d segment(s)", header.Major, header.Minor, header.ProjectID, len(header.Segments))

	return awaitOutcome(ctx, t, cfg.Timeout, patch, header, events)
}

func awaitOutcome(ctx context.Context, t *hal.Transport, timeout time.Duration, patch []byte, header *hal.PatchFileHeader, events <-chan hal.PatchEvent) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var bar *pterm.ProgressbarPrinter
	var barMode uint8
	defer func() {
		if bar != nil {
			bar.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("interrupted")
		case <-deadline.C:
			return fmt.Errorf("patch download did not finish within %v", timeout)
		case <-t.Done():
			return fmt.Errorf("transport stopped during patch download")
		case ev := <-events:
			switch ev.Outcome {
			case hal.PatchContinue:
				data, err := streamData(ev, patch, header)
				if err != nil {
					return err
				}
				if err := t.ContinuePatchDownload(data); err != nil {
					return err
				}
			case hal.PatchProgress:
				// one bar per segment
				if bar == nil || barMode != ev.PowerMode || ev.Sent < bar.Current {
					if bar != nil {
						bar.Stop()
					}
					barMode = ev.PowerMode
					bar, _ = pterm.DefaultProgressbar.WithTotal(ev.Total).WithTitle(fmt.Sprintf("Power mode %d", ev.PowerMode)).Start()
				}
				if bar != nil && ev.Sent > bar.Current {
					bar.Add(ev.Sent - bar.Current)
				}
			case hal.PatchComplete:
				if ev.Chunks == 0 {
					pterm.Success.Println("Controller patch is already up to date")
				} else {
					pterm.Success.Printfln("Patch downloaded in %d chunks", ev.Chunks)
				}
				if ev.NVM != nil {
					pterm.Info.Printfln("NVM: %s", ev.NVM.String())
				}
				return nil
			case hal.PatchAborted:
				return fmt.Errorf("patch download aborted (%s): %w", ev.Reason, ev.Err)
			}
		}
	}
}

// patchEventSink forwards patch events without blocking the transport
// worker once nobody reads them anymore
func patchEventSink(events chan<- hal.PatchEvent, logger zerolog.Logger) func(hal.PatchEvent) {
	return func(ev hal.PatchEvent) {
		select {
		case events <- ev:
		default:
			logger.Warn().Str("outcome", ev.Outcome.String()).Msg("patch event dropped")
		}
	}
}

// streamData answers a Continue event from the patch file
func streamData(ev hal.PatchEvent, patch []byte, header *hal.PatchFileHeader) ([]byte, error) {
	switch ev.Need {
	case hal.NeedHeader:
		return patch[:header.Len()], nil
	case hal.NeedSegment:
		off := header.Len()
		for _, seg := range header.Segments {
			if seg.PowerMode == ev.PowerMode {
				if off+seg.Length > len(patch) {
					return nil, fmt.Errorf("patch file truncated")
				}
				return patch[off : off+seg.Length], nil
			}
			off += seg.Length
		}
		return nil, fmt.Errorf("patch has no segment for power mode %d", ev.PowerMode)
	default:
		return nil, fmt.Errorf("unexpected patch request %d", ev.Need)
	}
}

func shutdown(t *hal.Transport, logger zerolog.Logger) {
	t.Epilog()
	select {
	case <-t.Done():
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("epilog did not finish, forcing exit")
	}
	t.Close()
}
