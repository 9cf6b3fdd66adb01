package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/herbaria-lab/specimen-cli/internal/ingest"
	"github.com/herbaria-lab/specimen-cli/internal/model"
	"github.com/herbaria-lab/specimen-cli/internal/review"
	"github.com/herbaria-lab/specimen-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the specimen ledger over HTTP",
	Long:  "Exposes registration, extraction recording, aggregation reads, the review queue, and decision appends to collaborators such as the review UI.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, st, err := initService(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		r := newRouter(svc, st)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func newRouter(svc *ingest.Service, st store.Store) *chi.Mux {
	mgr := review.NewManager(st)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/specimens", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			ImageBase64   string            `json:"image_base64"`
			SourceLocator string            `json:"source_locator"`
			Metadata      map[string]string `json:"metadata"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		image, err := base64.StdEncoding.DecodeString(body.ImageBase64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "image_base64 is not valid base64")
			return
		}

		sp, created, err := svc.Register(req.Context(), image, body.SourceLocator, body.Metadata)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, sp)
	})

	r.Post("/specimens/{id}/extractions", func(w http.ResponseWriter, req *http.Request) {
		var body extractionPayload
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		run, created, err := svc.RecordExtraction(req.Context(), chi.URLParam(req, "id"),
			body.Params, body.Fields, body.Confidences, body.CodeVersion)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, run)
	})

	r.Post("/specimens/{id}/decision", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Status      string            `json:"status"`
			Reviewer    string            `json:"reviewed_by"`
			FinalFields map[string]string `json:"final_fields"`
			Notes       string            `json:"notes"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		status, err := model.ParseDecisionStatus(body.Status)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		d, err := mgr.RecordDecision(req.Context(), chi.URLParam(req, "id"), status, body.Reviewer, body.FinalFields, body.Notes)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, d)
	})

	r.Get("/specimens/{id}", func(w http.ResponseWriter, req *http.Request) {
		sp, err := st.GetSpecimen(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sp)
	})

	r.Get("/specimens/{id}/extractions", func(w http.ResponseWriter, req *http.Request) {
		runs, err := st.ListExtractions(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	})

	r.Get("/specimens/{id}/aggregation", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		agg, err := st.GetAggregation(req.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		flags, err := st.ListFlags(req.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"aggregation": agg,
			"open_flags":  flags,
		})
	})

	r.Get("/queue", func(w http.ResponseWriter, req *http.Request) {
		filter := store.QueueFilter{}
		q := req.URL.Query()
		if s := q.Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				writeError(w, http.StatusBadRequest, "limit must be an integer")
				return
			}
			filter.Limit = n
		}
		if s := q.Get("min_confidence"); s != "" {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "min_confidence must be a number")
				return
			}
			filter.MinConfidence = f
		}
		filter.RequireFlags = q.Get("require_flags") == "true"

		entries, err := mgr.NextBatch(req.Context(), filter)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if entries == nil {
			entries = []model.QueueEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("serve: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps domain errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case store.IsNotFound(err), eris.Is(err, store.ErrUnknownSpecimen):
		writeError(w, http.StatusNotFound, err.Error())
	case ingest.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		zap.L().Error("serve: request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
