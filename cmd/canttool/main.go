package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marcinbor85/gohex"
	"github.com/rs/zerolog"

	"github.com/LoveWonYoung/cantt/driver"
	"github.com/LoveWonYoung/cantt/recorder"
	"github.com/LoveWonYoung/cantt/tp"
)

const tickInterval = 2 * time.Millisecond

func initLogger() zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).With().Timestamp().Str("app", "canttool").Logger()
}

func main() {
	configPath := flag.String("config", "canttool.toml", "path to the TOML config file")
	flag.Parse()

	logger := initLogger()

	cfg, err := loadToolConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("configuration")
	}
	cfg.Params.Logger = logger
	cfg.Params.ErrorHandler = func(err error) {
		logger.Warn().Err(err).Msg("transfer fault")
	}

	if flag.NArg() < 1 {
		logger.Fatal().Msg("usage: canttool [-config file] listen|publish|sendhex ...")
	}

	switch flag.Arg(0) {
	case "listen":
		err = runListen(logger, cfg)
	case "publish":
		err = runPublish(logger, cfg, flag.Args()[1:])
	case "sendhex":
		err = runSendHex(logger, cfg, flag.Args()[1:])
	default:
		err = fmt.Errorf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("command failed")
	}
}

func buildBus(logger zerolog.Logger, cfg toolConfig) (tp.Bus, func(), error) {
	switch cfg.Bus {
	case busLoopback:
		// A private medium: only useful for dry runs of the tool itself.
		return driver.NewLoopback().Endpoint(), func() {}, nil
	case busBridge:
		if cfg.BridgeAddr == "" {
			return nil, nil, fmt.Errorf("bridge_addr is required for the bridge bus")
		}
		bridge, err := driver.NewBridge(driver.BridgeConfig{
			Address:  cfg.BridgeAddr,
			IsServer: cfg.BridgeListen,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return bridge, func() { bridge.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown bus %q", cfg.Bus)
	}
}

func openRecorder(cfg toolConfig) (*recorder.Recorder, error) {
	if cfg.RecorderPath == "" {
		return nil, nil
	}
	return recorder.New(recorder.Config{Path: cfg.RecorderPath}, log.New(os.Stderr, "", log.LstdFlags))
}

func runListen(logger zerolog.Logger, cfg toolConfig) error {
	bus, closeBus, err := buildBus(logger, cfg)
	if err != nil {
		return err
	}
	defer closeBus()

	rec, err := openRecorder(cfg)
	if err != nil {
		return err
	}
	if rec != nil {
		defer rec.Close()
	}

	var auth *tp.Authenticator
	if len(cfg.AuthKey) > 0 {
		if auth, err = tp.NewAuthenticator(cfg.AuthKey); err != nil {
			return err
		}
	}

	mux := tp.NewMux()
	mux.Default(func(addr uint32, p *tp.Publication) {
		logger.Info().
			Uint32("from", addr).
			Str("topic", string(p.Topic)).
			Hex("payload", p.Payload).
			Msg("publication")
	})

	handler := func(addr uint32, payload []byte) {
		if auth != nil {
			opened, err := auth.Open(payload)
			if err != nil {
				logger.Warn().Uint32("from", addr).Err(err).Msg("rejecting unauthenticated message")
				return
			}
			payload = opened
		}
		if err := mux.Dispatch(addr, payload); err != nil {
			logger.Info().Uint32("from", addr).Int("len", len(payload)).Msg("raw message")
		}
	}
	if rec != nil {
		handler = rec.Sink(handler)
	}

	engine, err := tp.New(cfg.Address, bus, handler, &cfg.Params)
	if err != nil {
		return err
	}
	engine.Begin()
	logger.Info().Uint32("address", cfg.Address).Str("bus", cfg.Bus).Msg("listening")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			logger.Info().Msg("shutting down")
			return nil
		case <-ticker.C:
			engine.Tick()
		}
	}
}

func runPublish(logger zerolog.Logger, cfg toolConfig, args []string) error {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	topic := fs.String("topic", "", "topic to publish on")
	payload := fs.String("payload", "", "payload bytes, as text")
	to := fs.String("to", "", "destination address (defaults to own address)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *topic == "" {
		return fmt.Errorf("publish requires -topic")
	}

	addr := cfg.Address
	if *to != "" {
		var err error
		if addr, err = parseAddress(*to); err != nil {
			return err
		}
	}

	bus, closeBus, err := buildBus(logger, cfg)
	if err != nil {
		return err
	}
	defer closeBus()

	rec, err := openRecorder(cfg)
	if err != nil {
		return err
	}
	if rec != nil {
		defer rec.Close()
	}

	engine, err := tp.New(cfg.Address, bus, nil, &cfg.Params)
	if err != nil {
		return err
	}
	engine.Begin()

	msg, err := tp.EncodePublish([]byte(*topic), []byte(*payload))
	if err != nil {
		return err
	}
	if len(cfg.AuthKey) > 0 {
		auth, err := tp.NewAuthenticator(cfg.AuthKey)
		if err != nil {
			return err
		}
		if msg, err = auth.Seal(msg); err != nil {
			return err
		}
	}
	if err := engine.SendTo(addr, msg); err != nil {
		return err
	}
	if rec != nil {
		if err := rec.LogOutbound(addr, msg); err != nil {
			logger.Warn().Err(err).Msg("recording outbound message failed")
		}
	}

	drain(engine)
	logger.Info().Str("topic", *topic).Uint32("to", addr).Msg("published")
	return nil
}

func runSendHex(logger zerolog.Logger, cfg toolConfig, args []string) error {
	fs := flag.NewFlagSet("sendhex", flag.ContinueOnError)
	file := fs.String("file", "", "Intel HEX image to send")
	to := fs.String("to", "", "destination address (defaults to own address)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("sendhex requires -file")
	}

	addr := cfg.Address
	if *to != "" {
		var err error
		if addr, err = parseAddress(*to); err != nil {
			return err
		}
	}

	f, err := os.Open(*file)
	if err != nil {
		return err
	}
	defer f.Close()

	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(f); err != nil {
		return fmt.Errorf("parse %s: %w", *file, err)
	}

	bus, closeBus, err := buildBus(logger, cfg)
	if err != nil {
		return err
	}
	defer closeBus()

	rec, err := openRecorder(cfg)
	if err != nil {
		return err
	}
	if rec != nil {
		defer rec.Close()
	}

	engine, err := tp.New(cfg.Address, bus, nil, &cfg.Params)
	if err != nil {
		return err
	}
	engine.Begin()

	for _, segment := range mem.GetDataSegments() {
		data := segment.Data
		offset := 0
		for offset < len(data) {
			n := len(data) - offset
			if n > tp.MaxTransferSize {
				n = tp.MaxTransferSize
			}
			chunk := data[offset : offset+n]
			if err := engine.SendTo(addr, chunk); err != nil {
				return fmt.Errorf("segment %#x+%d: %w", segment.Address, offset, err)
			}
			if rec != nil {
				if err := rec.LogOutbound(addr, chunk); err != nil {
					logger.Warn().Err(err).Msg("recording outbound chunk failed")
				}
			}
			drain(engine)
			offset += n
		}
		logger.Info().
			Uint32("segment", segment.Address).
			Int("bytes", len(data)).
			Msg("segment sent")
	}
	return nil
}

// drain ticks the engine until the committed transfer leaves the machine.
func drain(engine *tp.Engine) {
	for engine.Busy() {
		engine.Tick()
		time.Sleep(tickInterval)
	}
}
