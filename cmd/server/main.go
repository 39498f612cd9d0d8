// Command server runs a standalone Modbus TCP server. Preset data and the
// listening endpoint come from an optional YAML configuration file:
//
//	listen: 0.0.0.0
//	port: 502
//	log_level: info
//	coils:
//	  10: true
//	holding_registers:
//	  0: 1234
//	input_registers:
//	  0: 42
//	discrete_inputs:
//	  5: true
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sourceperl/gomodbustcp/common"
	"github.com/sourceperl/gomodbustcp/logging"
	"github.com/sourceperl/gomodbustcp/server"
)

type config struct {
	Listen           string            `yaml:"listen"`
	Port             int               `yaml:"port"`
	LogLevel         string            `yaml:"log_level"`
	Coils            map[uint16]bool   `yaml:"coils"`
	DiscreteInputs   map[uint16]bool   `yaml:"discrete_inputs"`
	HoldingRegisters map[uint16]uint16 `yaml:"holding_registers"`
	InputRegisters   map[uint16]uint16 `yaml:"input_registers"`
}

func defaultConfig() config {
	return config{
		Listen:   "0.0.0.0",
		Port:     common.DefaultTCPPort,
		LogLevel: "info",
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.New(level)

	bank := server.NewDataBank()
	for addr, v := range cfg.Coils {
		bank.SetCoils(common.Address(addr), []bool{v}, server.Internal)
	}
	for addr, v := range cfg.DiscreteInputs {
		bank.SetDiscreteInputs(common.Address(addr), []bool{v})
	}
	for addr, v := range cfg.HoldingRegisters {
		bank.SetHoldingRegisters(common.Address(addr), []uint16{v}, server.Internal)
	}
	for addr, v := range cfg.InputRegisters {
		bank.SetInputRegisters(common.Address(addr), []uint16{v})
	}

	// Log every wire-driven mutation.
	bank.Subscribe(func(change server.Change) {
		if change.Origin.IsInternal() {
			return
		}
		logger.Info("data changed",
			zap.Stringer("kind", change.Kind),
			zap.Uint16("address", uint16(change.Address)),
			zap.Stringer("origin", change.Origin))
	})

	srv := server.NewTCPServer(cfg.Listen,
		server.WithServerPort(cfg.Port),
		server.WithServerLogger(logger),
		server.WithServerDataBank(bank),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.ServeForever(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("server failed", zap.Error(err))
	}
	srv.Stop(context.Background())
}
