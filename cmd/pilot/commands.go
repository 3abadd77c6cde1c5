package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/autopilot/internal/autopilot"
	"github.com/banshee-data/autopilot/internal/config"
	"github.com/banshee-data/autopilot/internal/corpus"
	"github.com/banshee-data/autopilot/internal/model"
	"github.com/banshee-data/autopilot/internal/modelsync"
	"github.com/banshee-data/autopilot/internal/predict"
	"github.com/banshee-data/autopilot/internal/report"
	"github.com/banshee-data/autopilot/internal/safety"
	"github.com/banshee-data/autopilot/internal/status"
	"github.com/banshee-data/autopilot/internal/timeutil"
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %s: %v", errUsage, fs.Name(), err)
	}
	return nil
}

// corpusArg returns the corpus named on the command line, or the default
// corpus for the camera setting.
func (a *app) corpusArg(fs *flag.FlagSet) string {
	if fs.NArg() > 0 {
		return fs.Arg(0)
	}
	return corpus.DefaultFilename(a.cfg.GetUseCamera())
}

func (a *app) drive(ctx context.Context, args []string) error {
	fs := newFlagSet("run")
	regressor := fs.Bool("R", false, "Use the regressor")
	classifier := fs.Bool("C", false, "Use the classifier")
	fullAuto := fs.Bool("full-auto", a.cfg.GetRunFullAuto(), "Enable stall detection")
	listen := fs.String("listen", a.cfg.GetListen(), "Admin HTTP address")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := a.modelMode(*regressor, *classifier); err != nil {
		return err
	}
	corpusPath := a.corpusArg(fs)

	st, err := a.openStores()
	if err != nil {
		return err
	}
	defer st.Close()
	trainer, err := a.newTrainer(st)
	if err != nil {
		return err
	}

	board, mux, err := a.openBoard(ctx)
	if err != nil {
		return err
	}
	surface := status.NewSurface(a.fs, a.cfg.GetStatusDir())
	ctrl := safety.NewController(board, surface)

	engine := predict.NewEngine(nil)
	if a.cfg.GetSaveNewTrainingData() {
		engine.SetCollector(corpus.NewWriter(a.fs, corpusPath))
	}

	deps := autopilot.Deps{
		Sensors:  board,
		Actuator: board,
		Safety:   ctrl,
		Engine:   engine,
		Loader:   trainer,
	}
	syncCfg := a.cfg.SyncConfig()
	if a.cfg.GetSyncTrainModel() && syncCfg.Enabled() {
		syncer := modelsync.NewSyncer(syncCfg)
		syncer.Start(ctx)
		defer syncer.Stop()
		deps.Syncer = syncer
	}

	session, err := autopilot.NewSession(deps, autopilot.Options{
		Corpus:           corpusPath,
		UseCamera:        a.cfg.GetUseCamera(),
		FullAuto:         *fullAuto,
		RunNN:            a.cfg.GetRunNN(),
		TimeDelay:        a.cfg.GetTimeDelay(),
		StallTimeout:     a.cfg.GetStallTimeout(),
		StallManeuver:    a.cfg.GetStallManeuver(),
		StallEndsSession: a.cfg.GetStallEndsSession(),
		SyncEnabled:      a.cfg.GetSyncTrainModel(),
		SyncInterval:     a.cfg.GetSyncTimeLimit(),
		BundlePath:       st.bundlePath,
	})
	if err != nil {
		_ = ctrl.Stop(true)
		return err
	}

	if *listen != "" {
		adminMux := http.NewServeMux()
		session.AttachAdminRoutes(adminMux)
		mux.AttachAdminRoutes(adminMux)
		if st.bundles != nil {
			if err := st.bundles.AttachAdminRoutes(adminMux); err != nil {
				log.Printf("model store admin routes unavailable: %v", err)
			}
		}
		serverCtx, stopServer := context.WithCancel(ctx)
		wait := serveAdmin(serverCtx, *listen, adminMux)
		defer wait()
		defer stopServer()
	}

	log.Printf("Session %s starting on %s", session.ID(), corpusPath)
	if err := session.Run(ctx); err != nil {
		return fmt.Errorf("session %s: %w", session.ID(), err)
	}
	log.Printf("Session %s ended", session.ID())
	return nil
}

func (a *app) train(args []string) error {
	fs := newFlagSet("train")
	regressor := fs.Bool("R", false, "Use the regressor")
	classifier := fs.Bool("C", false, "Use the classifier")
	plot := fs.String("plot", "", "Training report file (.png or .html)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := a.modelMode(*regressor, *classifier); err != nil {
		return err
	}
	corpusPath := a.corpusArg(fs)

	st, err := a.openStores()
	if err != nil {
		return err
	}
	defer st.Close()
	trainer, err := a.newTrainer(st)
	if err != nil {
		return err
	}

	var reportErr error
	if *plot != "" {
		trainer.OnTrained = func(res *model.TrainResult) {
			reportErr = a.writeReport(*plot, res)
		}
	}
	res, err := trainer.Retrain(corpusPath)
	if err != nil {
		return err
	}
	b := res.Bundle
	fmt.Fprintf(a.out, "Trained %s (%s): %d examples, %d iterations, loss %.6f in %s\n",
		b.Key, b.Mode, b.Examples, b.Iterations, b.Loss, res.Duration.Round(time.Millisecond))

	if *plot == "" {
		return nil
	}
	if reportErr != nil {
		return reportErr
	}
	fmt.Fprintf(a.out, "Wrote training report to %s\n", *plot)
	return nil
}

// writeReport renders the loss curve and class counts of one training run.
func (a *app) writeReport(path string, res *model.TrainResult) error {
	examples, err := corpus.ReadAll(a.fs, res.Corpus)
	if err != nil {
		return err
	}
	summary, err := report.FromResult(res, examples)
	if err != nil {
		return err
	}
	return report.Write(path, summary)
}

func (a *app) collect(ctx context.Context, args []string) error {
	fs := newFlagSet("collect")
	corpusPath := fs.String("corpus", corpus.DefaultFilename(a.cfg.GetUseCamera()), "Corpus file to append to")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	board, _, err := a.openBoard(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := board.Release(); err != nil {
			log.Printf("release board: %v", err)
		}
	}()

	log.Printf("Collecting training data into %s", *corpusPath)
	n, err := autopilot.Collect(ctx, board, corpus.NewWriter(a.fs, *corpusPath),
		a.cfg.GetUseCamera(), a.cfg.GetTimeDelay(), timeutil.RealClock{})
	fmt.Fprintf(a.out, "Collected %d examples into %s\n", n, *corpusPath)
	return err
}

func (a *app) config(args []string) error {
	if len(args) == 0 || args[0] != "show" {
		return fmt.Errorf("%w: config takes init or show", errUsage)
	}
	data, err := a.cfg.Effective().JSON()
	if err != nil {
		return err
	}
	_, err = a.out.Write(data)
	return err
}

func (a *app) models(args []string) error {
	fs := newFlagSet("models")
	runs := fs.String("runs", "", "Also list training runs for this bundle key")
	limit := fs.Int("limit", 10, "Maximum training runs to list")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if a.cfg.GetModelStore() != config.StoreSQLite {
		return errors.New(`models needs model_store "sqlite"; file bundles sit next to their corpus`)
	}

	st, err := a.openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	bundles, err := st.bundles.Bundles()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tMODE\tFEATURES\tEXAMPLES\tITERATIONS\tLOSS\tTRAINED")
	for _, b := range bundles {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%.6f\t%s\n",
			b.Key, b.Mode, b.Features, b.Examples, b.Iterations, b.Loss, b.TrainedAt.Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if *runs == "" {
		return nil
	}
	history, err := st.bundles.Runs(*runs, *limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "\nTraining runs for %s:\n", *runs)
	tw = tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BUNDLE\tREASON\tEXAMPLES\tITERATIONS\tLOSS\tDURATION\tTRAINED")
	for _, r := range history {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.6f\t%s\t%s\n",
			r.BundleID, r.Reason, r.Examples, r.Iterations, r.FinalLoss, r.Duration, r.TrainedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
