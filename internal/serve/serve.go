// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package serve exposes the coordinator's published state over HTTP so
// clients can poll directives and operators can inspect standings without
// shell access to the artifact tree.
package serve

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"districter.dev/coordinator/internal/config"
	"districter.dev/coordinator/internal/registry"
	"districter.dev/coordinator/internal/statestore"
	"districter.dev/coordinator/internal/tournament"
)

var logger = logrus.WithFields(logrus.Fields{
	"app":       "districter",
	"component": "serve",
})

// Service answers the polling endpoints. Standings are recomputed from the
// store per request; the store is the single source of truth and the queries
// are cheap.
type Service struct {
	store statestore.Service
	reg   *registry.Registry

	directives string
	artifacts  string
}

func New(cfg config.View, store statestore.Service, reg *registry.Registry) *Service {
	return &Service{
		store:      store,
		reg:        reg,
		directives: cfg.GetString("weights.out"),
		artifacts:  cfg.GetString("publish.out"),
	}
}

// Routes mounts the polling surface on a fresh router.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/directives", s.handleDirectives)
	r.Get("/results", s.handleResults)
	r.Get("/results/{config}", s.handleResult)
	r.Handle("/artifacts/*", http.StripPrefix("/artifacts/", http.FileServer(http.Dir(s.artifacts))))
	return r
}

func (s *Service) handleDirectives(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	http.ServeFile(w, r, s.directives)
}

// resultView is the JSON shape of one configuration's standing.
type resultView struct {
	Config     string            `json:"config"`
	Total      int64             `json:"total"`
	Unscored   int64             `json:"unscored"`
	Winner     string            `json:"winner,omitempty"`
	Kmpp       *float64          `json:"kmpp,omitempty"`
	Spread     *int64            `json:"spread,omitempty"`
	IngestTime *time.Time        `json:"ingestTime,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
	StatSum    string            `json:"statSum,omitempty"`
}

func toView(r tournament.Result) resultView {
	v := resultView{
		Config:   r.Config,
		Total:    r.Total,
		Unscored: r.Unscored,
	}
	if r.Best != nil {
		t := r.Best.IngestTime
		v.Winner = r.Best.Path
		v.Kmpp = r.Best.Kmpp
		v.Spread = r.Best.Spread
		v.IngestTime = &t
		v.Meta = r.Best.Meta
		v.StatSum = r.Best.StatSum
	}
	return v
}

func (s *Service) handleResults(w http.ResponseWriter, r *http.Request) {
	results, err := tournament.Snapshot(r.Context(), s.store, s.reg)
	if err != nil {
		s.fail(w, err)
		return
	}
	views := make([]resultView, len(results))
	for n, res := range results {
		views[n] = toView(res)
	}
	s.writeJSON(w, views)
}

func (s *Service) handleResult(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "config")
	cfg := s.reg.Get(name)
	if cfg == nil {
		http.Error(w, "unknown configuration", http.StatusNotFound)
		return
	}

	best, err := s.store.BestFor(r.Context(), name)
	if err != nil {
		s.fail(w, err)
		return
	}
	total, unscored, err := s.store.CountFor(r.Context(), name)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, toView(tournament.Result{
		Config:   name,
		Best:     best,
		Total:    total,
		Unscored: unscored,
	}))
}

func (s *Service) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Warning("response encoding failed")
	}
}

func (s *Service) fail(w http.ResponseWriter, err error) {
	logger.WithError(err).Error("request failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}
