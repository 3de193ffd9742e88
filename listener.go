package keyviz

import (
	"errors"
	"fmt"

	"github.com/keyviz/keyviz/internal/listener"
)

// ErrAlreadyRunning is returned by Run when the listen address is taken.
var ErrAlreadyRunning = errors.New("likely another instance is running")

func (a *App) startListener() error {
	cfg := a.config()
	a.listener = listener.New(cfg.Listen, a.tracker, a.listenerLogger)
	if err := a.listener.Start(); err != nil {
		if listener.IsAddrInUse(err) {
			return fmt.Errorf("%w: %w", ErrAlreadyRunning, err)
		}
		return err
	}
	return nil
}

// listenerStatus is the listener part of /api/state.
type listenerStatus struct {
	Network     string `json:"network"`
	Address     string `json:"address"`
	Connections int    `json:"connections"`
	BindFailed  bool   `json:"bind_failed"`
	Error       string `json:"error,omitempty"`
}

func (a *App) listenerStatus() listenerStatus {
	cfg := a.config()
	st := listenerStatus{Network: cfg.Listen.Network, Address: cfg.Listen.Address}
	if a.listener == nil {
		return st
	}
	if addr := a.listener.Addr(); addr != nil {
		st.Address = addr.String()
	}
	st.Connections = a.listener.Connections()
	st.BindFailed = a.listener.BindFailed()
	if err := a.listener.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}
