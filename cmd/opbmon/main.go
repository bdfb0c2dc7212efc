package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/antiath/openpowerbox/opb"
)

func main() {
	path := "opbmon.yaml"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	cfg, err := loadConfig(path)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	var logger *zap.Logger
	if cfg.Development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	session, err := opb.NewSession(opb.Config{
		Port:       cfg.Port,
		BaudRate:   cfg.BaudRate,
		Timeout:    cfg.Timeout,
		CommandGap: cfg.CommandGap,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("failed to open power box", zap.Error(err))
	}
	defer session.Close()

	ctx := context.Background()

	topo, already, err := session.DiscoverTopology(ctx)
	if err != nil {
		logger.Fatal("topology discovery failed", zap.Error(err))
	}
	logger.Info("connected to power box",
		zap.String("port", cfg.Port),
		zap.Int("dc", topo.DC),
		zap.Int("pwm", topo.PWM),
		zap.Int("relay", topo.Relay),
		zap.Int("bank", topo.Bank),
		zap.Int("usb", topo.USB),
		zap.Bool("reconnect", already))

	if ip, ssid, err := session.WifiInfo(ctx); err != nil {
		logger.Warn("wifi info fetch failed", zap.Error(err))
	} else {
		logger.Info("wifi info", zap.String("ip", ip), zap.String("ssid", ssid))
	}

	if err := session.RefreshNames(ctx); err != nil {
		logger.Warn("name fetch incomplete", zap.Error(err))
	}
	if err := session.RefreshSettings(ctx); err != nil {
		logger.Warn("settings fetch incomplete", zap.Error(err))
	}

	if cfg.Profile != "" {
		profile, err := opb.LoadProfile(cfg.Profile)
		if err != nil {
			logger.Fatal("profile load failed", zap.Error(err))
		}
		if err := session.ApplyProfile(ctx, profile); err != nil {
			logger.Warn("profile apply incomplete", zap.Error(err))
		} else {
			logger.Info("profile applied", zap.String("path", cfg.Profile))
		}
	}

	poller := opb.NewPoller(session, cfg.PollInterval, &logSink{logger: logger}, logger)
	poller.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("shutdown signal received")

	poller.Stop()
	logger.Info("opbmon stopped")
}

// logSink publishes each poll snapshot to the structured log.
type logSink struct {
	logger *zap.Logger
}

func (l *logSink) PublishSnapshot(snap opb.Snapshot) {
	l.logger.Info("poll complete",
		zap.Time("taken", snap.Taken),
		zap.Float64("input_voltage", snap.InputVoltage),
		zap.Float64("total_current", snap.TotalCurrent),
		zap.Float64("total_power", snap.TotalPower),
		zap.Bools("dc_on", snap.DCOn),
		zap.Ints("pwm_duty", snap.PWMDuty),
		zap.Bools("usb_on", snap.USBOn),
		zap.Float64s("dc_voltage", snap.DCVoltage),
		zap.Float64s("dc_current", snap.DCCurrent),
		zap.Float64s("pwm_current", snap.PWMCurrent),
		zap.Float64("bank_voltage", snap.BankVoltage),
		zap.Float64("bank_current", snap.BankCurrent))
}
