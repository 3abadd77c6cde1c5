package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/banshee-data/autopilot/internal/config"
	"github.com/banshee-data/autopilot/internal/db"
	"github.com/banshee-data/autopilot/internal/hardware"
	"github.com/banshee-data/autopilot/internal/model"
	"github.com/banshee-data/autopilot/internal/serialmux"
)

// stores is the configured model store. Exactly one of files and bundles is set.
type stores struct {
	model.Store
	files   *model.FileStore
	bundles *db.BundleStore
	db      *db.DB
}

func (s *stores) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// bundlePath returns the file a bundle key lives in, or "" for the SQLite
// store, which has no per-bundle file to sync.
func (s *stores) bundlePath(key string) string {
	if s.files == nil {
		return ""
	}
	return s.files.Path(key)
}

func (a *app) openStores() (*stores, error) {
	switch a.cfg.GetModelStore() {
	case config.StoreSQLite:
		database, err := db.Open(a.cfg.GetModelDB())
		if err != nil {
			return nil, fmt.Errorf("failed to open model database %s: %w", a.cfg.GetModelDB(), err)
		}
		bundles := db.NewBundleStore(database)
		return &stores{Store: bundles, bundles: bundles, db: database}, nil
	default:
		files := model.NewFileStore(a.fs)
		return &stores{Store: files, files: files}, nil
	}
}

// modelMode applies the -R / -C overrides to the configured mode.
func (a *app) modelMode(regressor, classifier bool) error {
	if regressor && classifier {
		return fmt.Errorf("%w: -R and -C are mutually exclusive", errUsage)
	}
	switch {
	case regressor:
		v := true
		a.cfg.UseRegressor = &v
	case classifier:
		v := false
		a.cfg.UseRegressor = &v
	}
	return nil
}

func (a *app) newTrainer(st *stores) (*model.Trainer, error) {
	opts, err := a.cfg.TrainOptions()
	if err != nil {
		return nil, err
	}
	return model.NewTrainer(a.fs, st.Store, opts), nil
}

// openBoard returns the debug board when debug is set, otherwise the serial
// board on serial_port. The debug board mirrors its commands into a disabled
// mux, so the admin routes show what the board would have been sent.
func (a *app) openBoard(ctx context.Context) (hardware.Board, serialmux.SerialMuxInterface, error) {
	if a.cfg.GetDebug() {
		log.Printf("Debug mode: using simulated sensors and motors")
		mux := serialmux.NewDisabledSerialMux()
		board := hardware.NewDebugBoard()
		board.SetCommandSink(mux)
		return board, mux, nil
	}
	board, err := hardware.OpenSerialBoard(ctx, a.cfg.GetSerialPort(), a.cfg.PortOptions(), a.cfg.GetSensorTimeout())
	if err != nil {
		return nil, nil, err
	}
	return board, board.Mux(), nil
}

// serveAdmin runs an HTTP server for mux on addr until ctx is done. The
// returned wait blocks until the server has shut down.
func serveAdmin(ctx context.Context, addr string, mux *http.ServeMux) (wait func()) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("got request %q", r.URL.Path)
			mux.ServeHTTP(w, r)
		})
		server := &http.Server{
			Addr:    addr,
			Handler: h,
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("admin server on %s failed: %v", addr, err)
			}
		}()
		log.Printf("Admin routes on http://%s/debug/", addr)

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("admin server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("admin server force close error: %v", err)
			}
		}
	}()
	return wg.Wait
}
