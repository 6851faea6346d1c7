package system

import (
	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"go.uber.org/zap"
)

type admissionLog struct {
	logger *zap.Logger
}

func (a admissionLog) AcceptClient(device types.NetworkDevice) bool {
	a.logger.Info("Client requests connection", zap.String("client", device.String()))
	return true
}

func (a admissionLog) OnClientAccepted(device types.NetworkDevice) {
	a.logger.Info("Client connected", zap.String("client", device.String()))
}

func (a admissionLog) OnClientDisconnected(device types.NetworkDevice) {
	a.logger.Info("Client disconnected", zap.String("client", device.String()))
}

func (a admissionLog) OnClientTimeout(device types.NetworkDevice) {
	a.logger.Warn("Client timed out", zap.String("client", device.String()))
}

type buttonLog struct {
	logger *zap.Logger
}

func (b buttonLog) OnButtonClick(click types.ButtonClick, origin types.NetworkDevice) {
	b.logger.Info("Button clicked",
		zap.String("client", origin.String()),
		zap.Int("id", click.ID),
		zap.Bool("hold", click.Hold))
}

type resetLog struct {
	logger *zap.Logger
}

func (r resetLog) OnResetPosition(origin types.NetworkDevice) {
	r.logger.Info("Reset to center requested", zap.String("client", origin.String()))
}
