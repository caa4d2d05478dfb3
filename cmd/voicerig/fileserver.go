package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// newFileserver builds the echo app serving the web client assets.
func newFileserver(dir string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Static("/", dir)
	return e
}

// Fileserver serves the web client assets until interrupted. This is the
// webclient service's command.
func (c *command) Fileserver(f FileserverFlags) error {
	info, err := os.Stat(f.Dir)
	if err != nil {
		return fmt.Errorf("fileserver: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("fileserver: %s is not a directory", f.Dir)
	}

	e := newFileserver(f.Dir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		_ = e.Close()
	}()

	slog.Info("Serving web client", "dir", f.Dir, "listen", f.Listen)
	if err := e.Start(f.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
