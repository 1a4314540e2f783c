package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/normalize"
	"github.com/sells-group/leadflow/internal/store"
)

var servePort int

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the leads API and the CRM sync scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		// The sync job only starts once the store is confirmed reachable.
		if err := env.Store.Ping(ctx); err != nil {
			return eris.Wrap(err, "store unreachable")
		}
		if err := env.Store.Migrate(ctx); err != nil {
			return err
		}

		if cfg.Salesforce.ClientID != "" {
			scheduler, err := initScheduler(env.Store)
			if err != nil {
				return err
			}
			schedulerDone := make(chan struct{})
			go func() {
				defer close(schedulerDone)
				scheduler.Run(ctx)
			}()
			// The store must stay open until the scheduler has finished its
			// in-flight item; this runs before the deferred env.Close.
			defer func() {
				stop()
				<-schedulerDone
			}()
		} else {
			zap.L().Warn("salesforce not configured, crm sync disabled")
		}

		r := chi.NewRouter()
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.Server.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE"},
			AllowedHeaders:   []string{"Content-Type"},
			AllowCredentials: true,
		}))

		r.Get("/health", handleHealth(env.Store))
		r.Route("/api/leads", func(r chi.Router) {
			r.Get("/", handleListLeads(env.Store))
			r.Post("/process", handleProcess(env))
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		go shutdownOnCancel(ctx, srv)

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

// shutdownOnCancel drains the server once ctx is cancelled. The drain gets a
// fresh timeout context: the cancelled ctx would cut in-flight requests off
// immediately.
func shutdownOnCancel(ctx context.Context, srv *http.Server) {
	<-ctx.Done()
	zap.L().Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("server shutdown", zap.Error(err))
	}
}

// processRequest accepts names either as a JSON array or as one
// comma-separated string, matching what the form UI submits.
type processRequest struct {
	Names json.RawMessage `json:"names"`
}

func (r processRequest) nameList() ([]string, error) {
	var list []string
	if err := json.Unmarshal(r.Names, &list); err == nil {
		return list, nil
	}
	var raw string
	if err := json.Unmarshal(r.Names, &raw); err == nil {
		return strings.Split(raw, ","), nil
	}
	return nil, eris.New("names must be a string or an array of strings")
}

func handleProcess(env *Env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req processRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		names, err := req.nameList()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		leads, err := env.Ingest.ProcessBatch(r.Context(), names)
		if err != nil {
			if errors.Is(err, normalize.ErrEmptyBatch) {
				writeError(w, http.StatusBadRequest, "at least one name is required")
				return
			}
			zap.L().Error("batch processing failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to process leads")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"data":    leads,
		})
	}
}

func handleListLeads(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := store.LeadFilter{
			Status:    model.LeadStatus(r.URL.Query().Get("status")),
			SyncState: model.SyncState(r.URL.Query().Get("sync_state")),
		}
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				filter.Limit = n
			}
		}

		leads, err := st.ListLeads(r.Context(), filter)
		if err != nil {
			zap.L().Error("list leads failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to list leads")
			return
		}
		if leads == nil {
			leads = []model.Lead{}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"data":    leads,
		})
	}
}

func handleHealth(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unreachable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
