package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/audio"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/codec"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/config"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/logger"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/network"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/session"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/update"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	serverAddr := flag.String("server", "", "Server host:port (overrides config)")
	nick := flag.String("nick", "", "Station nickname (overrides config)")
	probe := flag.Bool("probe", false, "Probe the server for reachability and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Colony Radio client %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	applyOverrides(&cfg.Client, *serverAddr, *nick)

	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	defer func() { _ = log.Close() }()

	if *probe {
		ok, err := network.Probe(cfg.Client.ServerHost, cfg.Client.ServerPort, 3*time.Second)
		if err != nil || !ok {
			fmt.Printf("Server %s:%d unreachable\n", cfg.Client.ServerHost, cfg.Client.ServerPort)
			os.Exit(1)
		}
		fmt.Printf("Server %s:%d reachable\n", cfg.Client.ServerHost, cfg.Client.ServerPort)
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	client := network.NewClient(cfg.Client, log.WithComponent("client"))

	// RX path: jitter-buffered playout with per-frame statistics. There is no
	// audio device here; pulled frames are counted and discarded.
	jb := audio.NewJitterBuffer(codec.DefaultRate, codec.DefaultFrameSamples)
	var rxFrames, rxPulled atomic.Int64
	client.OnAudio = func(pcm []float32, rate int, ssrc uint32, chanIdx int) {
		jb.Push(pcm, rate, chanIdx, ssrc)
		rxFrames.Add(1)
	}
	client.OnRoster = func(r network.RosterReply) {
		log.Info("Roster",
			logger.Int("stations", len(r.Rows)),
			logger.Bool("auto_merge_by_freq", r.AutoMergeByFreq),
			logger.Int("manual_merges", r.ManualMerges))
	}
	client.OnUpdateOffer = func(offer update.Offer) {
		// Headless clients have nothing to install. Accept so the server
		// keeps the session; a decline drops it.
		log.Info("Update offered",
			logger.String("name", offer.Name),
			logger.Int64("size", offer.Size),
			logger.String("url", offer.URL))
		if err := client.SendUpdateResponse(true, "headless, deferred"); err != nil {
			log.Warn("Failed to answer update offer", logger.Error(err))
		}
	}

	errChan := make(chan error, 1)
	go func() { errChan <- client.Start(ctx) }()
	started := make(chan struct{})
	go func() {
		if client.WaitStarted(ctx) == nil {
			close(started)
		}
	}()
	select {
	case err := <-errChan:
		// Reachability check or socket setup failed before connecting.
		log.Error("Client failed to start", logger.Error(err))
		os.Exit(1)
	case <-started:
	}
	log.Info("Connected",
		logger.String("server", fmt.Sprintf("%s:%d", cfg.Client.ServerHost, cfg.Client.ServerPort)),
		logger.String("nick", cfg.Client.Nick),
		logger.Uint32("ssrc", client.SSRC()),
		logger.Bool("opus", client.OpusEnabled()))

	chanState := channelsFromConfig(cfg.Client)
	if err := client.UpdateChannels(chanState); err != nil {
		log.Warn("Failed to push channel state", logger.Error(err))
	}

	// Drain the jitter buffer at frame cadence so RX statistics reflect the
	// playout path, not just raw packet arrival.
	go func() {
		ticker := time.NewTicker(time.Duration(codec.DefaultFrameMS) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if out := jb.Pull(func(int) bool { return true }, func(int) float32 { return 1.0 }); out != nil {
					rxPulled.Add(1)
				}
			}
		}
	}()

	go runConsole(ctx, client, log, chanState, &rxFrames, &rxPulled)

	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", logger.String("signal", sig.String()))
		cancel()
		<-errChan
	case err := <-errChan:
		if err != nil && err != context.Canceled {
			log.Error("Client error", logger.Error(err))
		}
	}
	log.Info("Colony Radio client stopped")
}

func applyOverrides(cfg *config.ClientConfig, serverAddr, nick string) {
	if serverAddr != "" {
		host, port, ok := strings.Cut(serverAddr, ":")
		if ok {
			if p, err := strconv.Atoi(port); err == nil {
				cfg.ServerPort = p
			}
		}
		if host != "" {
			cfg.ServerHost = host
		}
	}
	if nick != "" {
		cfg.Nick = nick
	}
}

func channelsFromConfig(cfg config.ClientConfig) session.ChanUpdate {
	freqs := make([]float64, session.NumChannels)
	scan := make([]bool, session.NumChannels)
	for i := range freqs {
		if i < len(cfg.Freqs) {
			freqs[i] = cfg.Freqs[i]
			scan[i] = true
		}
	}
	return session.ChanUpdate{Active: 0, Freqs: freqs, Scan: true, ScanChannels: scan}
}

// runConsole reads operator commands from stdin: ptt on|off, chan <idx>,
// freq <idx> <mhz>, loopback on|off, pos <x> <y> <z>, stats, roster.
func runConsole(ctx context.Context, client *network.Client, log *logger.Logger, state session.ChanUpdate, rxFrames, rxPulled *atomic.Int64) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		parts := strings.Fields(strings.TrimSpace(scanner.Text()))
		if len(parts) == 0 {
			continue
		}
		var err error
		switch parts[0] {
		case "ptt":
			err = client.SetPTT(len(parts) > 1 && parts[1] == "on")
		case "chan":
			if len(parts) > 1 {
				if idx, aerr := strconv.Atoi(parts[1]); aerr == nil && idx >= 0 && idx < session.NumChannels {
					state.Active = idx
					err = client.UpdateChannels(state)
				}
			}
		case "freq":
			if len(parts) > 2 {
				idx, aerr := strconv.Atoi(parts[1])
				mhz, ferr := strconv.ParseFloat(parts[2], 64)
				if aerr == nil && ferr == nil && idx >= 0 && idx < session.NumChannels {
					state.Freqs[idx] = mhz
					state.ScanChannels[idx] = mhz > 0
					err = client.UpdateChannels(state)
				}
			}
		case "loopback":
			err = client.SetLoopback(len(parts) > 1 && parts[1] == "on")
		case "pos":
			if len(parts) > 3 {
				x, e1 := strconv.ParseFloat(parts[1], 64)
				y, e2 := strconv.ParseFloat(parts[2], 64)
				z, e3 := strconv.ParseFloat(parts[3], 64)
				if e1 == nil && e2 == nil && e3 == nil {
					err = client.SendPosition(x, y, z)
				}
			}
		case "stats":
			fmt.Printf("rx frames=%d pulled=%d\n", rxFrames.Load(), rxPulled.Load())
		case "roster":
			err = client.SendPresence()
		case "quit", "exit":
			return
		default:
			fmt.Println("commands: ptt on|off, chan <idx>, freq <idx> <mhz>, loopback on|off, pos <x> <y> <z>, stats, roster, quit")
		}
		if err != nil {
			log.Warn("Command failed", logger.String("cmd", parts[0]), logger.Error(err))
		}
	}
}
