// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package appmain contains the common application initialization code for the
// coordinator daemon.
package appmain

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"districter.dev/coordinator/internal/config"
	"districter.dev/coordinator/internal/logging"
	"districter.dev/coordinator/internal/telemetry"
)

var logger = logrus.WithFields(logrus.Fields{
	"app":       "districter",
	"component": "app.main",
})

// Bind is a function which starts an application and binds it to serving.
type Bind func(p *Params, b *Bindings) error

// Params are inputs to starting an application.
type Params struct {
	config      config.View
	serviceName string
}

// Config provides the configuration for the application.
func (p *Params) Config() config.View {
	return p.config
}

// ServiceName is a name for the currently running binary.
func (p *Params) ServiceName() string {
	return p.serviceName
}

// Bindings allows applications to bind various functions to the running server.
type Bindings struct {
	a      *App
	mux    *http.ServeMux
	probes []func(context.Context) error
}

// AddHealthCheckFunc allows an application to check if it is healthy and
// contribute to the overall server health.
func (b *Bindings) AddHealthCheckFunc(f func(context.Context) error) {
	b.probes = append(b.probes, f)
}

// Handle serves the handler on the application's HTTP server.
func (b *Bindings) Handle(pattern string, handler http.Handler) {
	b.mux.Handle(pattern, handler)
}

// TelemetryHandle serves a diagnostic handler on the application's HTTP server.
func (b *Bindings) TelemetryHandle(pattern string, handler http.Handler) {
	b.mux.Handle(pattern, handler)
}

// TelemetryHandleFunc serves a diagnostic handler func on the application's HTTP server.
func (b *Bindings) TelemetryHandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	b.mux.HandleFunc(pattern, handler)
}

// AddCloser specifies a function to be called on application shutdown.
// Closers are called in reverse order.
func (b *Bindings) AddCloser(c func()) {
	b.a.closers = append(b.a.closers, func() error {
		c()
		return nil
	})
}

// AddCloserErr specifies a function to be called on application shutdown,
// which may report a shutdown error.
func (b *Bindings) AddCloserErr(c func() error) {
	b.a.closers = append(b.a.closers, c)
}

// App is a running application, held for shutdown.
type App struct {
	closers []func() error
}

// RunApplication starts and runs the given application until SIGTERM or
// SIGINT. For use in main functions to run the full application.
func RunApplication(serviceName string, getCfg func() (config.View, error), bindService Bind) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)

	a, err := StartApplication(serviceName, bindService, getCfg, net.Listen)
	if err != nil {
		logger.Fatal(err)
	}

	<-c
	err = a.Stop()
	if err != nil {
		logger.Fatal(err)
	}
	logger.Info("Application stopped successfully.")
}

// StartApplication provides more control over an application than
// RunApplication. It is for running in-memory tests against your app.
func StartApplication(serviceName string, bindService Bind, getCfg func() (config.View, error), listen func(network, address string) (net.Listener, error)) (*App, error) {
	a := &App{}

	cfg, err := getCfg()
	if err != nil {
		logger.WithFields(logrus.Fields{
			"error": err.Error(),
		}).Fatalf("cannot read configuration.")
	}
	logging.ConfigureLogging(cfg)

	p := &Params{
		config:      cfg,
		serviceName: serviceName,
	}
	b := &Bindings{
		a:   a,
		mux: http.NewServeMux(),
	}

	if err := telemetry.Setup(p, b); err != nil {
		surpressedErr := a.Stop() // Don't care about additional errors stopping.
		_ = surpressedErr
		return nil, err
	}

	if err := bindService(p, b); err != nil {
		surpressedErr := a.Stop()
		_ = surpressedErr
		return nil, err
	}

	// Health checks are registered last so they cover every bound component.
	b.mux.Handle(telemetry.HealthCheckEndpoint, telemetry.NewHealthCheck(b.probes))

	ln, err := listen("tcp", fmt.Sprintf(":%d", cfg.GetInt("serve.port")))
	if err != nil {
		surpressedErr := a.Stop()
		_ = surpressedErr
		return nil, err
	}

	server := &http.Server{
		Handler:           b.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("http server terminated")
		}
	}()
	logger.WithFields(logrus.Fields{
		"address": ln.Addr().String(),
		"service": serviceName,
	}).Info("serving")

	b.AddCloserErr(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	})

	return a, nil
}

// Stop shuts down the application.
func (a *App) Stop() error {
	// Use closers in reverse order: Since dependencies are created before
	// their dependants, this helps ensure no dependencies are closed
	// unexpectedly.
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err := a.closers[i]()
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
