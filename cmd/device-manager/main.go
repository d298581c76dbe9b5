package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lora-devicemgr/device-manager/internal/config"
	"github.com/lora-devicemgr/device-manager/internal/decode"
	"github.com/lora-devicemgr/device-manager/internal/downlink"
	"github.com/lora-devicemgr/device-manager/internal/events"
	"github.com/lora-devicemgr/device-manager/internal/ingest"
	"github.com/lora-devicemgr/device-manager/internal/join"
	"github.com/lora-devicemgr/device-manager/internal/registry"
	"github.com/lora-devicemgr/device-manager/internal/snap"
	"github.com/lora-devicemgr/device-manager/internal/uplink"
)

func main() {
	configPath := flag.String("config", "config/device-manager.yml", "configuration file path")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("load config")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("invalid log level, defaulting to info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().Str("config_path", *configPath).Str("server", cfg.Server.Name).Msg("device manager starting")

	store, err := registry.NewPostgresStore(cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to database")
	}
	defer store.Close()

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.ReconnectWait(cfg.NATS.ReconnectInterval),
		nats.MaxReconnects(cfg.NATS.MaxReconnects))
	if err != nil {
		log.Fatal().Err(err).Msg("connect to NATS")
	}
	defer nc.Close()

	reg := registry.New(store)
	pub := events.New(nc)
	downlinkMgr := downlink.New(cfg.Downlink.DefaultTimeout)
	decodeRuntime := decode.New(cfg.Decode.ScriptTimeout, cfg.Decode.ModuleBudget)

	netID, err := parseNetID(cfg.Network.NetID)
	if err != nil {
		log.Fatal().Err(err).Str("net_id", cfg.Network.NetID).Msg("parse network.net_id")
	}

	joinEngine := join.New(reg, join.Timing{
		NetID:       netID,
		RX1DROffset: cfg.Network.RX1DROffset,
		RX2DataRate: cfg.Network.RX2DataRate,
		RX2Freq:     cfg.Network.RX2Frequency,
		RX1Delay:    cfg.Network.RX1Delay,
	})
	uplinkEngine := uplink.New(reg, cfg.Network.FCntRolloverTol)

	dispatcher := ingest.New(reg, joinEngine, uplinkEngine, decodeRuntime, downlinkMgr, pub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := nc.Subscribe("gateway.*.rx", func(msg *nats.Msg) {
		rx := registry.GatewayRX{Timestamp: time.Now()}
		dispatcher.HandleFrame(ctx, msg.Data, rx)
	})
	if err != nil {
		log.Fatal().Err(err).Msg("subscribe to gateway uplink")
	}
	defer sub.Unsubscribe()

	snapSub, err := nc.Subscribe("snap.*.rx", func(msg *nats.Msg) {
		frame, err := snap.Parse(msg.Data)
		if err != nil {
			log.Warn().Err(err).Msg("discard malformed snap frame")
			return
		}
		snap.Ingest(ctx, reg, pub, frame)
	})
	if err != nil {
		log.Fatal().Err(err).Msg("subscribe to snap uplink")
	}
	defer snapSub.Unsubscribe()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-ctx.Done():
	}

	cancel()
	log.Info().Msg("device manager stopped")
}

// parseNetID accepts either a bare decimal NetID or a 0x-prefixed hex one.
func parseNetID(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
