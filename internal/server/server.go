package server

import (
	"context"
	"net/http"
	"time"

	"github.com/dehimb/matchpool/internal/config"
	"github.com/dehimb/matchpool/internal/store"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Start serves the API until ctx is done, then shuts down gracefully.
func Start(ctx context.Context, storeHandler store.StoreHandler, logger *logrus.Logger, cfg *config.Config) {
	handler := &handler{
		router:       mux.NewRouter(),
		storeHandler: storeHandler,
		logger:       logger,
		settlement:   cfg.Settlement,
	}
	s := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		WriteTimeout: time.Second * 15,
		ReadTimeout:  time.Second * 15,
		IdleTimeout:  time.Second * 60,
	}

	handler.initRouter(&middleware{logger: logger})

	go func() {
		err := s.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("Error starting server: ", err)
		}
	}()

	logger.Infof("Server started on %s", cfg.Server.Addr)

	waitForShutdown(ctx, s, logger)
	logger.Info("Exiting...")
}

func waitForShutdown(ctx context.Context, s *http.Server, logger *logrus.Logger) {
	<-ctx.Done()
	logger.Info("Trying graceful shutdown server")

	ctxShutDown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Shutdown(ctxShutDown); err != nil {
		logger.Errorf("Server shutdown failed: %s", err)
		return
	}
	logger.Info("Server stopped")
}
