package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ggoodman/bayeux-server-go/bayeux"
	"github.com/ggoodman/bayeux-server-go/server"
	"github.com/ggoodman/bayeux-server-go/sessions"
)

type sessionView struct {
	ID            string    `json:"id"`
	State         string    `json:"state"`
	Local         bool      `json:"local"`
	Queue         int       `json:"queue"`
	Subscriptions []string  `json:"subscriptions"`
	ExpireTime    time.Time `json:"expire_time,omitzero"`
}

type channelView struct {
	ID          string `json:"id"`
	Subscribers int    `json:"subscribers"`
	Lazy        bool   `json:"lazy"`
	Persistent  bool   `json:"persistent"`
}

type publishRequest struct {
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}

func newAdminRouter(srv *server.Server, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "node": srv.NodeID()})
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get("/sessions", func(w http.ResponseWriter, _ *http.Request) {
		all := srv.Sessions()
		out := make([]sessionView, 0, len(all))
		for _, ss := range all {
			out = append(out, viewSession(ss))
		}
		writeJSON(w, http.StatusOK, out)
	})
	r.Get("/sessions/{id}", func(w http.ResponseWriter, req *http.Request) {
		ss, ok := srv.Session(chi.URLParam(req, "id"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
			return
		}
		writeJSON(w, http.StatusOK, viewSession(ss))
	})
	r.Delete("/sessions/{id}", func(w http.ResponseWriter, req *http.Request) {
		ss, ok := srv.Session(chi.URLParam(req, "id"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
			return
		}
		ss.Disconnect()
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/channels", func(w http.ResponseWriter, _ *http.Request) {
		all := srv.Channels()
		out := make([]channelView, 0, len(all))
		for _, ch := range all {
			out = append(out, channelView{
				ID:          ch.ID(),
				Subscribers: len(ch.Subscribers()),
				Lazy:        ch.IsLazy(),
				Persistent:  ch.IsPersistent(),
			})
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.Post("/publish", func(w http.ResponseWriter, req *http.Request) {
		var body publishRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
		err := srv.Publish(req.Context(), nil, bayeux.NewMessage(body.Channel, body.Data))
		switch {
		case errors.Is(err, server.ErrInvalidChannel):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		case errors.Is(err, server.ErrDenied):
			writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
		case err != nil:
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		default:
			w.WriteHeader(http.StatusAccepted)
		}
	})

	return r
}

func viewSession(ss *sessions.Session) sessionView {
	subs := ss.Subscriptions()
	ids := make([]string, len(subs))
	for i, ch := range subs {
		ids[i] = ch.ID()
	}
	return sessionView{
		ID:            ss.ID(),
		State:         ss.State().String(),
		Local:         ss.IsLocal(),
		Queue:         ss.QueueLen(),
		Subscriptions: ids,
		ExpireTime:    ss.ExpireTime(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
