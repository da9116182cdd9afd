package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"gridsignal/internal/config"
	"gridsignal/internal/domain"
	"gridsignal/internal/env"
	"gridsignal/internal/messaging/inproc"
	"gridsignal/internal/report"
	"gridsignal/internal/scenario"
	sqlitestore "gridsignal/internal/store/sqlite"
	"gridsignal/internal/sumo"
	"gridsignal/internal/trainer"
)

type app struct {
	cfg     config.Config
	trainer *trainer.Service
	bus     *inproc.Bus
}

func main() {
	configPath := flag.String("config", "", "path to gridsignal.toml (default: configs/gridsignal.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	scenarioFlag := flag.String("scenario", "", "path to .sumocfg override")
	episodesFlag := flag.Int("episodes", 0, "episode count override")
	resumeFlag := flag.String("resume", "", "run id whose checkpoints seed the agents")
	gui := flag.Bool("gui", false, "run the simulator with its GUI")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	addr := firstNonEmpty(*addrFlag, cfg.Trainer.Addr, ":8092")
	dbPath := filepath.Clean(firstNonEmpty(*dbPathFlag, cfg.Trainer.DBPath, "data/gridsignal.db"))
	reportDir := filepath.Clean(firstNonEmpty(cfg.Trainer.ReportDir, "report"))
	sumoCfgPath := firstNonEmpty(*scenarioFlag, cfg.Scenario.SumoCfg)
	if sumoCfgPath == "" {
		log.Fatalf("no scenario configured: set scenario.sumocfg or pass -scenario")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		log.Fatalf("create report directory: %v", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	loader, err := scenario.NewLoader(filepath.Dir(sumoCfgPath))
	if err != nil {
		log.Fatalf("open scenario root: %v", err)
	}
	sc, err := loader.Load(filepath.Base(sumoCfgPath))
	if err != nil {
		log.Fatalf("load scenario: %v", err)
	}

	table, err := phaseTable(cfg.Phases)
	if err != nil {
		log.Fatalf("build phase table: %v", err)
	}

	binary := firstNonEmpty(cfg.Scenario.SumoBinary, "sumo")
	if *gui || cfg.Scenario.GUI {
		binary = "sumo-gui"
	}
	port := cfg.Scenario.RemotePort
	if port <= 0 {
		port = 8813
	}
	tripInfoPath := sc.TripInfoPath(reportDir, uuid.NewString())

	launcher := sumo.NewLauncher(binary, sc.ConfigPath, port, log.Default())
	launcher.ExtraArgs = []string{"--tripinfo-output", tripInfoPath}

	environment := env.New(launcher, table, cfg.Env.DecisionInterval, log.Default())
	defer func() {
		_ = environment.Close()
	}()

	bus := inproc.New(256)
	trainCfg := trainer.Config{
		Episodes:       intOrDefault(*episodesFlag, cfg.Training.Episodes),
		MaxSteps:       cfg.Training.MaxSteps,
		Gamma:          cfg.Training.Gamma,
		ActorLR:        cfg.Training.ActorLR,
		CriticLR:       cfg.Training.CriticLR,
		EpsilonStart:   cfg.Training.EpsilonStart,
		EpsilonMin:     cfg.Training.EpsilonMin,
		EpsilonDecay:   cfg.Training.EpsilonDecay,
		ReplayCapacity: cfg.Training.ReplayCapacity,
		WarmupSize:     cfg.Training.WarmupSize,
		BatchSize:      cfg.Training.BatchSize,
		HiddenSize:     cfg.Training.HiddenSize,
		Seed:           cfg.Training.Seed,
		ResumeRunID:    *resumeFlag,
	}
	svc := trainer.New(store, bus, environment, trainCfg, log.Default())
	svc.TravelTime = func() (float64, error) {
		return report.MeanTravelTime(tripInfoPath)
	}

	go func() {
		run, err := svc.Run(ctx, sc.Name)
		if err != nil {
			log.Printf("training run failed: %v", err)
			return
		}
		episodes, err := svc.ListEpisodes(context.Background(), run.ID)
		if err != nil {
			log.Printf("list episodes for report: %v", err)
			return
		}
		path, err := report.WriteWorkbook(reportDir, run, episodes)
		if err != nil {
			log.Printf("write run report: %v", err)
			return
		}
		log.Printf("training run finished id=%s report=%s", run.ID, path)
	}()

	a := &app{
		cfg:     cfg,
		trainer: svc,
		bus:     bus,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/runs", a.handleRuns)
	mux.HandleFunc("/runs/", a.handleRunByID)

	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf(
		"gridsignal trainer started addr=%s db=%s scenario=%s binary=%s port=%d",
		addr,
		dbPath,
		sc.Name,
		binary,
		port,
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
}

func phaseTable(cfg config.PhasesConfig) (env.PhaseTable, error) {
	if len(cfg.DirectionA) == 0 && len(cfg.DirectionB) == 0 {
		return env.DefaultPhaseTable(), nil
	}
	return env.NewPhaseTable(cfg.EntryA, cfg.EntryB, cfg.DirectionA, cfg.DirectionB)
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	runs, err := a.trainer.ListRuns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *app) handleRunByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/runs/")
	parts := strings.Split(trimmed, "/")
	runID := parts[0]
	if runID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("run id is required"))
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if len(parts) == 1 {
		run, err := a.trainer.GetRun(r.Context(), runID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
		return
	}

	switch parts[1] {
	case "episodes":
		items, err := a.trainer.ListEpisodes(r.Context(), runID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case "log":
		limit := queryInt(r, "limit", 300)
		items, err := a.trainer.ListTrainingLog(r.Context(), runID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case "events":
		a.handleRunEvents(w, r, runID)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown resource: %s", parts[1]))
	}
}

// handleRunEvents streams one run's progress events as server-sent
// events until the client disconnects or the run finishes.
func (a *app) handleRunEvents(w http.ResponseWriter, r *http.Request, runID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	subscriberID := "http-" + uuid.NewString()
	events := a.bus.Register(subscriberID)
	defer a.bus.Unregister(subscriberID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-events:
			if !open {
				return
			}
			if evt.RunID != runID {
				continue
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			if evt.Kind == domain.EventRunFinished {
				return
			}
		}
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func intOrDefault(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
