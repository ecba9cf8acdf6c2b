// Package web is the operator surface of the execution core: derived input
// status, connector stats, and the endpoints a human uses to resolve
// mutations the system could not settle on its own.
package web

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"

	"keeper/app/config"
	"keeper/app/engine"
	"keeper/app/states"
	"keeper/pkg/contextx"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
)

type Res struct {
	Code int    `json:"code"`
	Msg  string `json:"message"`
}

type Server struct {
	core   *engine.Core
	router *httprouter.Router
	server *http.Server
	log    *logrus.Entry
}

func NewServer(cfg config.APIConfig, core *engine.Core, logger *logrus.Logger) *Server {
	s := &Server{
		core:   core,
		router: httprouter.New(),
		log:    logger.WithField("name", "web"),
	}

	s.router.GET("/v1/workflows/:id/inputs", s.listInputs)
	s.router.GET("/v1/workflows/:id/inputs/stats", s.inputStats)
	s.router.GET("/v1/workflows/:id/inputs/stale", s.staleInputs)
	s.router.GET("/v1/workflows/:id/attention", s.needsAttention)
	s.router.GET("/v1/workflows/:id/outputs/stats", s.outputStats)
	s.router.GET("/v1/workflows/:id/mutations", s.listMutations)
	s.router.POST("/v1/mutations/:id/resolve", s.resolveMutation)
	s.router.POST("/v1/recovery/reservations", s.releaseReservations)

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: s.router,
	}
	return s
}

func (s *Server) Start() error {
	s.log.Infof("Serving operator API on %s", s.server.Addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Stop() error {
	return s.server.Close()
}

// Router is exposed for handler tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		s.log.Errorf("Marshal response error: %s", err.Error())
		w.WriteHeader(500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, &Res{Code: status, Msg: err.Error()})
}

// workflowCtx seeds the request context with the workflow the route names,
// so log lines written downstream carry it.
func workflowCtx(ps httprouter.Params) *contextx.Context {
	return contextx.NewContextFromMap(map[string]interface{}{
		"workflow": ps.ByName("id"),
	})
}

func (s *Server) listInputs(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx := workflowCtx(ps)
	inputs, err := s.core.Inputs.GetByWorkflowWithStatus(ctx, ps.ByName("id"))
	if err != nil {
		s.writeError(w, 500, err)
		return
	}
	s.writeJSON(w, 200, inputs)
}

func (s *Server) inputStats(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx := workflowCtx(ps)
	stats, err := s.core.Inputs.GetStatsByWorkflow(ctx, ps.ByName("id"))
	if err != nil {
		s.writeError(w, 500, err)
		return
	}
	s.writeJSON(w, 200, stats)
}

func (s *Server) staleInputs(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx := workflowCtx(ps)
	maxAge := time.Duration(0)
	if raw := r.URL.Query().Get("max_age_hours"); raw != "" {
		var hours int
		if _, err := fmt.Sscanf(raw, "%d", &hours); err != nil {
			s.writeError(w, 400, fmt.Errorf("invalid max_age_hours '%s'", raw))
			return
		}
		maxAge = time.Duration(hours) * time.Hour
	}
	stale, err := s.core.Inputs.GetStaleInputs(ctx, ps.ByName("id"), maxAge)
	if err != nil {
		s.writeError(w, 500, err)
		return
	}
	s.writeJSON(w, 200, stale)
}

func (s *Server) needsAttention(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx := workflowCtx(ps)
	workflowID := ps.ByName("id")
	inputCount, err := s.core.Inputs.CountNeedsAttention(ctx, workflowID, 0)
	if err != nil {
		s.writeError(w, 500, err)
		return
	}
	mutations, err := s.core.Mutations.ListNeedsAttention(ctx, workflowID)
	if err != nil {
		s.writeError(w, 500, err)
		return
	}
	s.writeJSON(w, 200, map[string]int{
		"stale_inputs": inputCount,
		"mutations":    len(mutations),
	})
}

func (s *Server) outputStats(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx := workflowCtx(ps)
	stats, err := s.core.Mutations.GetOutputStatsByWorkflow(ctx, ps.ByName("id"))
	if err != nil {
		s.writeError(w, 500, err)
		return
	}
	s.writeJSON(w, 200, stats)
}

func (s *Server) listMutations(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx := workflowCtx(ps)
	mutations, err := s.core.Mutations.ListNeedsAttention(ctx, ps.ByName("id"))
	if err != nil {
		s.writeError(w, 500, err)
		return
	}
	s.writeJSON(w, 200, mutations)
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

func (s *Server) resolveMutation(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx := contextx.NewContext()
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, 400, err)
		return
	}
	req := resolveRequest{}
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, 400, err)
		return
	}
	if err := s.core.Mutations.Resolve(ctx, ps.ByName("id"), states.Resolution(req.Resolution)); err != nil {
		s.writeError(w, 409, err)
		return
	}
	s.writeJSON(w, 200, &Res{Code: 200, Msg: "resolved"})
}

func (s *Server) releaseReservations(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx := contextx.NewContext()
	released, err := s.core.ReleaseAbandonedReservations(ctx)
	if err != nil {
		s.writeError(w, 500, err)
		return
	}
	s.writeJSON(w, 200, map[string]int64{"released": released})
}
