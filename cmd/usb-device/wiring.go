package main

import (
	"context"
	"net/http"
	"time"

	"github.com/m-mcgowan/usb-device/internal/hotplug"
	"github.com/m-mcgowan/usb-device/internal/httpapi"
	"github.com/m-mcgowan/usb-device/internal/hubagent"
	"github.com/m-mcgowan/usb-device/internal/metrics"
)

// newHotplugSource returns the platform hotplug source, degrading to
// pure keepalive polling where none is available.
func newHotplugSource(use bool, a *app) (hotplug.Source, error) {
	if !use {
		return nil, nil
	}
	src, err := hotplug.New()
	if err != nil {
		a.log.Warn().Err(err).Msg("no native hotplug source, polling on the keepalive timer")
		return hotplug.NewTimerOnly(), nil
	}
	return src, nil
}

func newStatusServer(a *app, agent *hubagent.Agent, m *metrics.Metrics) *http.Server {
	h := httpapi.NewHandler(a.log, agent, m)
	return &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func timeoutContext(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
