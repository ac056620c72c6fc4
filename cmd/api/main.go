package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/evolvedtroglodyte/therabridge/internal/audio"
	"github.com/evolvedtroglodyte/therabridge/internal/breaker"
	"github.com/evolvedtroglodyte/therabridge/internal/config"
	"github.com/evolvedtroglodyte/therabridge/internal/diarization"
	"github.com/evolvedtroglodyte/therabridge/internal/extractor"
	"github.com/evolvedtroglodyte/therabridge/internal/logger"
	"github.com/evolvedtroglodyte/therabridge/internal/pipeline"
	"github.com/evolvedtroglodyte/therabridge/internal/progress"
	"github.com/evolvedtroglodyte/therabridge/internal/report"
	"github.com/evolvedtroglodyte/therabridge/internal/retry"
	"github.com/evolvedtroglodyte/therabridge/internal/store"
	"github.com/evolvedtroglodyte/therabridge/internal/transcription"
)

func main() {
	_ = godotenv.Load() // loads .env

	log := logger.New()
	log.WithField("service", "therabridge").Info("starting service")

	cfg := config.Load()

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.WithError(err).Fatal("failed to open session store")
	}
	defer db.Close()

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		log.WithError(err).Fatal("failed to create upload dir")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracker := progress.NewTracker(cfg.ProgressTTL, cfg.ProgressSweepInterval)
	go tracker.Run(ctx)

	breakers := breaker.NewRegistry()

	pipe := pipeline.New(
		pipeline.Config{
			MaxUploadBytes: cfg.MaxUploadBytes,
			Budget:         cfg.PipelineBudget,
			Retry: retry.Policy{
				MaxAttempts:    cfg.RetryMaxAttempts,
				InitialBackoff: cfg.RetryInitialBackoff,
				MaxBackoff:     cfg.RetryMaxBackoff,
				Multiplier:     cfg.RetryMultiplier,
			},
			TranscriptionBreaker: breaker.Settings{
				FailureThreshold: cfg.BreakerFailureThreshold,
				SuccessThreshold: cfg.BreakerSuccessThreshold,
				Timeout:          cfg.TranscriptionBreakerTimeout,
			},
			DiarizationBreaker: breaker.Settings{
				FailureThreshold: cfg.BreakerFailureThreshold,
				SuccessThreshold: cfg.BreakerSuccessThreshold,
				Timeout:          cfg.DiarizationBreakerTimeout,
			},
		},
		pipeline.Deps{
			Store:        db,
			Preprocessor: audio.NewPreprocessor(log),
			Transcriber:  transcription.NewClient(cfg.TranscriptionURL, cfg.ServiceTimeout, log),
			Diarizer:     diarization.NewClient(cfg.DiarizationURL, cfg.ServiceTimeout, log),
			Notes:        extractor.NewClient(cfg.NotesGatewayURL, cfg.NotesModel, cfg.NotesAPIKey, cfg.ServiceTimeout, log),
			Breakers:     breakers,
			Tracker:      tracker,
			Log:          log,
		},
	)

	mux := http.NewServeMux()

	// health
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})

	// breaker diagnostics
	mux.HandleFunc("/breakers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, breakers.Snapshots())
	})

	// upload + start processing
	mux.HandleFunc("/process", func(w http.ResponseWriter, r *http.Request) {
		reqLog := logger.New().WithRequest(r).WithField("handler", "process")
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		reqLog.Info("process request received")

		// Leave headroom for the multipart framing around the file itself.
		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxUploadBytes+1<<20)
		file, header, err := r.FormFile("file")
		if err != nil {
			reqLog.WithError(err).Warn("missing or oversized file field")
			http.Error(w, "multipart field 'file' required", http.StatusBadRequest)
			return
		}
		defer file.Close()

		sessionID := uuid.New().String()
		dst := filepath.Join(cfg.UploadDir, sessionID+filepath.Ext(header.Filename))
		if err := saveUpload(dst, file); err != nil {
			reqLog.WithError(err).Error("failed to store upload")
			http.Error(w, "could not store upload", http.StatusInternalServerError)
			return
		}

		if err := db.CreateSession(r.Context(), sessionID); err != nil {
			reqLog.WithError(err).Error("failed to create session")
			http.Error(w, "could not create session", http.StatusInternalServerError)
			return
		}

		reqLog = reqLog.WithField("session_id", sessionID)
		reqLog.WithField("filename", header.Filename).Info("session accepted")

		go func() {
			defer os.Remove(dst)
			if _, err := pipe.Process(ctx, sessionID, dst); err != nil {
				reqLog.WithError(err).Warn("session processing finished with error")
			}
		}()

		writeJSON(w, http.StatusAccepted, map[string]string{
			"session_id": sessionID,
			"status":     "uploading",
		})
	})

	// point-in-time progress
	mux.HandleFunc("/progress", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session_id")
		if sessionID == "" {
			http.Error(w, "missing session_id", http.StatusBadRequest)
			return
		}
		if entry, ok := tracker.Get(sessionID); ok {
			writeJSON(w, http.StatusOK, entry)
			return
		}
		// Expired from the tracker; the store still knows terminal states.
		sess, err := db.GetSession(r.Context(), sessionID)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id": sess.ID,
			"status":     sess.Status,
			"error":      sess.ErrorMessage,
		})
	})

	// SSE push stream; terminates once the session reaches a terminal state
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session_id")
		if sessionID == "" {
			http.Error(w, "missing session_id", http.StatusBadRequest)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		ch, unsubscribe := tracker.Subscribe(sessionID)
		defer unsubscribe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		// Replay the current state so late subscribers see where the run is.
		if entry, ok := tracker.Get(sessionID); ok {
			writeEvent(w, entry)
			flusher.Flush()
			if entry.Terminal() {
				return
			}
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case entry, open := <-ch:
				if !open {
					return
				}
				writeEvent(w, entry)
				flusher.Flush()
				if entry.Terminal() {
					return
				}
			}
		}
	})

	// full session record
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session_id")
		if sessionID == "" {
			http.Error(w, "missing session_id", http.StatusBadRequest)
			return
		}
		sess, err := db.GetSession(r.Context(), sessionID)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.New().WithRequest(r).WithError(err).Error("session lookup failed")
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	})

	// xlsx report download
	mux.HandleFunc("/report", func(w http.ResponseWriter, r *http.Request) {
		reqLog := logger.New().WithRequest(r).WithField("handler", "report")
		sessionID := r.URL.Query().Get("session_id")
		if sessionID == "" {
			http.Error(w, "missing session_id", http.StatusBadRequest)
			return
		}
		sess, err := db.GetSession(r.Context(), sessionID)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		if err != nil {
			reqLog.WithError(err).Error("session lookup failed")
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		}

		var buf bytes.Buffer
		if err := report.Write(&buf, sess); err != nil {
			reqLog.WithError(err).Warn("report not available")
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=session-%s.xlsx", sessionID))
		_, _ = io.Copy(w, &buf)
	})

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: /events holds the response open for the whole run.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		log.WithField("addr", addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server terminated")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown did not complete cleanly")
	}
}

func saveUpload(dst string, src io.Reader) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(f, src); err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeEvent(w io.Writer, entry progress.Entry) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}
