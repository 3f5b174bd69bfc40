package main

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/kong/pg-pool-manager/pkg/lagcheck"
	"github.com/kong/pg-pool-manager/pkg/pool"
	"go.uber.org/zap"
)

type appContext struct {
	Pool    *pool.Manager
	Lag     *lagcheck.Monitor
	Metrics http.Handler
	Logger  *zap.Logger
}

func (ac *appContext) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", ac.getHealth).Methods("GET")
	r.HandleFunc("/poolstats", ac.getConnectionPoolStats).Methods("GET")
	r.HandleFunc("/replstatus", ac.getReplicationStatus).Methods("GET")
	r.HandleFunc("/cache", ac.invalidateCache).Methods("DELETE")
	r.HandleFunc("/loglevel", ac.putLogLevel).Methods("PUT")
	if ac.Metrics != nil {
		r.Handle("/metrics", ac.Metrics).Methods("GET")
	}
	return r
}

func (ac *appContext) getHealth(w http.ResponseWriter, _ *http.Request) {
	endpoints := ac.Pool.HealthyEndpoints()
	status, code := "ok", http.StatusOK
	if !endpoints[ac.Pool.Config().Primary.ID] {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	err := ac.writeJSON(w, code, envelope{"status": status, "endpoints": endpoints}, nil)
	if err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) getConnectionPoolStats(w http.ResponseWriter, _ *http.Request) {
	stats := ac.Pool.Metrics()
	payload := envelope{"connectionPoolStats": stats}
	err := ac.writeJSON(w, http.StatusOK, payload, nil)
	if err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) getReplicationStatus(w http.ResponseWriter, _ *http.Request) {
	if ac.Lag == nil {
		ac.errorResponse(w, http.StatusNotFound, "replication lag check is disabled")
		return
	}
	canary, err := ac.Lag.Last()
	payload := envelope{"canary": canary}
	if err != nil {
		payload["lastError"] = err.Error()
	}
	err = ac.writeJSON(w, http.StatusOK, payload, nil)
	if err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) invalidateCache(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	removed := ac.Pool.InvalidateCache(pattern)
	ac.Logger.Info("query cache invalidated", zap.String("pattern", pattern), zap.Int("removed", removed))
	err := ac.writeJSON(w, http.StatusOK, envelope{"removed": removed}, nil)
	if err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) putLogLevel(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Level string `json:"level"`
	}
	if err := ac.readJSON(w, r, &input); err != nil {
		ac.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if input.Level == "" {
		ac.errorResponse(w, http.StatusBadRequest, "level cannot be empty")
		return
	}
	if err := SetLevel(input.Level); err != nil {
		ac.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	err := ac.writeJSON(w, http.StatusOK, envelope{"level": input.Level}, nil)
	if err != nil {
		ac.logError(err)
	}
}
