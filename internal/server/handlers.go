package server

import (
	"github.com/KevinKickass/OpenSensorCore/internal/control"
	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"go.uber.org/zap"
)

// CommandListener receives client commands the server does not handle itself.
type CommandListener interface {
	OnCommand(client types.NetworkDevice, cmd control.Command)
}

type CommandFunc func(client types.NetworkDevice, cmd control.Command)

func (f CommandFunc) OnCommand(client types.NetworkDevice, cmd control.Command) {
	f(client, cmd)
}

// Handlers are the application callbacks of a Server. Nil members are replaced
// with defaults that accept every client and ignore events.
type Handlers struct {
	Clients    types.ClientListener
	Buttons    types.ButtonListener
	Reset      types.ResetListener
	Commands   CommandListener
	Exceptions types.ExceptionListener
}

func (h Handlers) withDefaults(logger *zap.Logger) Handlers {
	if h.Clients == nil {
		h.Clients = acceptAll{}
	}
	if h.Buttons == nil {
		h.Buttons = ignoreButtons{}
	}
	if h.Reset == nil {
		h.Reset = ignoreReset{}
	}
	if h.Commands == nil {
		h.Commands = CommandFunc(func(types.NetworkDevice, control.Command) {})
	}
	if h.Exceptions == nil {
		h.Exceptions = logExceptions{logger: logger}
	}
	return h
}

type acceptAll struct{}

func (acceptAll) AcceptClient(types.NetworkDevice) bool    { return true }
func (acceptAll) OnClientAccepted(types.NetworkDevice)     {}
func (acceptAll) OnClientDisconnected(types.NetworkDevice) {}
func (acceptAll) OnClientTimeout(types.NetworkDevice)      {}

type ignoreButtons struct{}

func (ignoreButtons) OnButtonClick(types.ButtonClick, types.NetworkDevice) {}

type ignoreReset struct{}

func (ignoreReset) OnResetPosition(types.NetworkDevice) {}

type logExceptions struct {
	logger *zap.Logger
}

func (l logExceptions) OnException(source string, err error, info string) {
	l.logger.Warn("Background fault",
		zap.String("source", source),
		zap.String("info", info),
		zap.Error(err))
}

// ClientListeners fans lifecycle events out to every member. A client is
// accepted only if every member accepts it.
type ClientListeners []types.ClientListener

func (ls ClientListeners) AcceptClient(device types.NetworkDevice) bool {
	for _, l := range ls {
		if !l.AcceptClient(device) {
			return false
		}
	}
	return true
}

func (ls ClientListeners) OnClientAccepted(device types.NetworkDevice) {
	for _, l := range ls {
		l.OnClientAccepted(device)
	}
}

func (ls ClientListeners) OnClientDisconnected(device types.NetworkDevice) {
	for _, l := range ls {
		l.OnClientDisconnected(device)
	}
}

func (ls ClientListeners) OnClientTimeout(device types.NetworkDevice) {
	for _, l := range ls {
		l.OnClientTimeout(device)
	}
}

type ButtonListeners []types.ButtonListener

func (ls ButtonListeners) OnButtonClick(click types.ButtonClick, origin types.NetworkDevice) {
	for _, l := range ls {
		l.OnButtonClick(click, origin)
	}
}
