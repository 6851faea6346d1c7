// Command sensorclient finds a sensor server on the local network, binds to it
// and streams synthetic readings for as long as the server wants them.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KevinKickass/OpenSensorCore/internal/client"
	"github.com/KevinKickass/OpenSensorCore/internal/config"
	"github.com/KevinKickass/OpenSensorCore/internal/control"
	"github.com/KevinKickass/OpenSensorCore/internal/discovery"
	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file")
	name := flag.String("name", defaultName(), "Name this client announces")
	serverName := flag.String("server", "", "Only bind to a server with this name")
	sensorName := flag.String("sensor", string(types.SensorGyroscope), "Sensor to simulate")
	maximumRange := flag.Float64("range", 35, "Maximum range reported for the sensor")
	interval := flag.Duration("interval", 20*time.Millisecond, "Time between readings")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	sensor, err := types.ParseSensorType(*sensorName)
	if err != nil {
		logger.Fatal("Invalid sensor", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exceptions := types.ExceptionFunc(func(source string, err error, info string) {
		logger.Warn("Background fault", zap.String("source", source), zap.String("info", info), zap.Error(err))
	})

	for ctx.Err() == nil {
		err := session(ctx, cfg, *name, *serverName, sensor, float32(*maximumRange), *interval, exceptions, logger)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("Session ended", zap.Error(err))
		}
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
	}
}

// session discovers a server, binds to it and streams until the session is lost.
func session(ctx context.Context, cfg *config.Config, name, serverName string, sensor types.SensorType,
	maximumRange float32, interval time.Duration, exceptions types.ExceptionListener, logger *zap.Logger) error {
	server, err := discover(ctx, cfg, name, serverName, exceptions, logger)
	if err != nil {
		return err
	}

	lost := make(chan bool, 1)
	sc, err := client.New(client.Config{
		Name:        name,
		BindHost:    cfg.Network.BindHost,
		DialTimeout: cfg.Network.DialTimeout,
		Watch:       cfg.Watchdog.WatchConfig(),
	}, &pushLog{logger: logger, lost: lost}, exceptions, nil, logger)
	if err != nil {
		return err
	}
	defer sc.Close()

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Network.DialTimeout+cfg.Watchdog.Timeout)
	err = sc.Connect(connectCtx, server)
	cancel()
	if err != nil {
		return err
	}

	if err := sc.SendRangeNotification(ctx, sensor, maximumRange); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case timedOut := <-lost:
			if timedOut {
				return errors.New("server stopped answering")
			}
			return errors.New("server ended the session")
		case now := <-ticker.C:
			if !sc.IsRequired(sensor) {
				continue
			}
			if err := sc.SendSensorData(synthetic(sensor, now.Sub(start), maximumRange)); err != nil {
				logger.Debug("Send failed", zap.Error(err))
			}
		}
	}
}

// discover blocks until a matching server answers.
func discover(ctx context.Context, cfg *config.Config, name, serverName string,
	exceptions types.ExceptionListener, logger *zap.Logger) (types.NetworkDevice, error) {
	found := make(chan types.NetworkDevice, 1)
	listener := discovery.ServerListFunc(func(servers []types.NetworkDevice) {
		for _, s := range servers {
			if serverName == "" || s.Name == serverName {
				select {
				case found <- s:
				default:
				}
				return
			}
		}
	})

	opts := discovery.ClientOptions{
		BindHost:          cfg.Network.BindHost,
		BroadcastInterval: cfg.Discovery.BroadcastInterval,
		SweepInterval:     cfg.Discovery.SweepInterval,
		StaleAfter:        cfg.Discovery.StaleAfter,
	}
	if len(cfg.Discovery.InterfacePatterns) > 0 {
		addresses, err := discovery.NewInterfaceAddresses(cfg.Discovery.InterfacePatterns)
		if err != nil {
			return types.NetworkDevice{}, err
		}
		opts.Addresses = addresses
	}

	dc, err := discovery.NewClient(name, cfg.Server.DiscoveryPort, listener, exceptions, opts, logger)
	if err != nil {
		return types.NetworkDevice{}, err
	}
	if err := dc.Start(); err != nil {
		return types.NetworkDevice{}, err
	}
	defer dc.Stop()

	select {
	case server := <-found:
		logger.Info("Server found", zap.String("server", server.String()))
		return server, nil
	case <-ctx.Done():
		return types.NetworkDevice{}, ctx.Err()
	}
}

// synthetic produces a slow rotation so the readings are easy to recognize.
func synthetic(sensor types.SensorType, elapsed time.Duration, maximumRange float32) types.SensorData {
	phase := elapsed.Seconds()
	amplitude := float64(maximumRange) / 2
	return types.SensorData{
		Sensor: sensor,
		Values: []float32{
			float32(amplitude * math.Sin(phase)),
			float32(amplitude * math.Cos(phase)),
			float32(amplitude * math.Sin(phase/2)),
		},
		Timestamp: time.Now().UnixNano(),
		Accuracy:  3,
	}
}

type pushLog struct {
	logger *zap.Logger
	lost   chan bool
}

func (p *pushLog) OnServerCommand(cmd control.Command) {
	p.logger.Debug("Server command", zap.String("type", string(cmd.Type())))
}

func (p *pushLog) OnConnectionLost(server types.NetworkDevice, timedOut bool) {
	p.logger.Info("Connection lost", zap.String("server", server.String()), zap.Bool("timed_out", timedOut))
	select {
	case p.lost <- timedOut:
	default:
	}
}

func defaultName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "sensorclient"
	}
	return host + "-sensor"
}
