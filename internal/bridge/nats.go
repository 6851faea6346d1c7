// Package bridge republishes sensor readings onto a NATS subject tree so other
// services can consume them without speaking the device protocol.
package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/KevinKickass/OpenSensorCore/internal/config"
	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Reading is the JSON payload published for every sensor reading.
type Reading struct {
	Client      string           `json:"client"`
	Address     string           `json:"address,omitempty"`
	Sensor      types.SensorType `json:"sensor"`
	Values      []float32        `json:"values"`
	Timestamp   int64            `json:"timestamp"`
	Accuracy    int32            `json:"accuracy"`
	Sensitivity *float32         `json:"sensitivity,omitempty"`
}

// NatsSink is a types.DataSink publishing to <prefix>.<sensor>.<client>.
type NatsSink struct {
	publisher Publisher
	prefix    string
	logger    *zap.Logger
}

func NewNatsSink(publisher Publisher, prefix string, logger *zap.Logger) *NatsSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NatsSink{
		publisher: publisher,
		prefix:    strings.Trim(prefix, "."),
		logger:    logger.Named("nats"),
	}
}

func (s *NatsSink) OnData(origin types.NetworkDevice, data types.SensorData, sensitivity float32) {
	reading := Reading{
		Client:    origin.Name,
		Address:   origin.Address,
		Sensor:    data.Sensor,
		Values:    data.Values,
		Timestamp: data.Timestamp,
		Accuracy:  data.Accuracy,
	}
	if sensitivity >= 0 {
		reading.Sensitivity = &sensitivity
	}

	payload, err := json.Marshal(reading)
	if err != nil {
		s.logger.Error("Failed to marshal reading", zap.Error(err))
		return
	}

	subject := s.Subject(data.Sensor, origin)
	if err := s.publisher.Publish(subject, payload); err != nil {
		s.logger.Warn("Failed to publish reading",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// Subject builds the subject for a reading. Characters NATS reserves in
// tokens are replaced in the client name.
func (s *NatsSink) Subject(sensor types.SensorType, origin types.NetworkDevice) string {
	return s.prefix + "." + strings.ToLower(string(sensor)) + "." + subjectToken(origin.Name)
}

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

func subjectToken(name string) string {
	if name == "" {
		return "unnamed"
	}
	return tokenReplacer.Replace(name)
}

// Connect dials the configured NATS server with reconnect handling.
func Connect(cfg config.NATSConfig, clientName string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("nats")

	conn, err := nats.Connect(cfg.URL,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	return conn, nil
}
