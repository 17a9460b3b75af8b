package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/navid-fn/sensorhub/configs"
	"github.com/navid-fn/sensorhub/internal/logger"
	"github.com/navid-fn/sensorhub/internal/simulator"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg := configs.AppLoad()

	baseURL := flag.String("url", "http://localhost:"+cfg.ServerPort, "sensor API base URL")
	devices := flag.Int("devices", 2, "number of simulated devices")
	pairsPerSecond := flag.Float64("rate", 5, "maximum reading pairs per second across all devices")
	interval := flag.Duration("interval", 2*time.Second, "send interval per device")
	skew := flag.Duration("skew", 500*time.Millisecond, "maximum device clock gap within a pair")
	flag.Parse()

	log := logger.New(cfg.LogLevel)

	simCfg := simulator.DefaultConfig(*baseURL, *pairsPerSecond)
	simCfg.Devices = *devices
	simCfg.Interval = *interval
	simCfg.MaxSkew = *skew

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{"url": *baseURL, "devices": *devices}).Info("Simulator started")
	simulator.New(simCfg, log).Run(ctx)
	log.Info("Simulator stopped")
}
