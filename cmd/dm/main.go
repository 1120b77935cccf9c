package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	commonlog "dm_server/server/common/log"
	"dm_server/server/dm/app"
)

func main() {
	defer commonlog.Sync()

	cfg := app.LoadConfig()
	server, err := app.NewServer(cfg)
	if err != nil {
		commonlog.Errorf("event=dm_server action=init status=failed error=%v", err)
		commonlog.Sync()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		commonlog.Infof("event=dm_server action=listen status=starting addr=:%s env=%s", cfg.Port, cfg.Env)
		if err := server.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			commonlog.Errorf("event=dm_server action=listen status=failed error=%v", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		commonlog.Warnf("event=dm_server action=shutdown status=failed error=%v", err)
		return
	}
	commonlog.Infof("event=dm_server action=shutdown status=ok")
}
