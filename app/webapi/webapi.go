// Package webapi provides a REST service for the moderation pipeline.
package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/routegroup"

	"github.com/verchik/tg-moder/app/storage"
	"github.com/verchik/tg-moder/lib/modcheck"
)

// Server is a web API server.
type Server struct {
	Config
}

// Config defines server parameters
type Config struct {
	Version    string          // version to show in /ping
	ListenAddr string          // listen address
	Classifier Classifier      // moderation pipeline
	Violations ViolationReader // violation history, optional
	AuthPasswd string          // basic auth password for user "tg-moder"
	Dbg        bool            // debug mode
}

// Classifier is the moderation pipeline entry point.
type Classifier interface {
	Check(ctx context.Context, req modcheck.Request) modcheck.Result
	CheckAll(ctx context.Context, reqs []modcheck.Request) []modcheck.Result
}

// ViolationReader provides access to recorded violations.
type ViolationReader interface {
	Recent(ctx context.Context, limit int) ([]storage.ViolationInfo, error)
}

// NewServer creates a new web API server.
func NewServer(config Config) *Server {
	return &Server{Config: config}
}

// Run starts the server and accepts check requests. Blocks until ctx is
// canceled.
func (s *Server) Run(ctx context.Context) error {
	router := routegroup.New(http.NewServeMux())
	router.Use(rest.Recoverer(lgr.Default()))
	router.Use(rest.Throttle(1000))
	router.Use(rest.AppInfo("tg-moder", "verchik", s.Version), rest.Ping)
	router.Use(tollbooth.HTTPMiddleware(tollbooth.NewLimiter(50, nil)))
	router.Use(rest.SizeLimit(1024 * 1024)) // 1M max request size
	if s.Dbg {
		router.Use(rest.Trace, rest.RealIP)
	}

	if s.AuthPasswd != "" {
		log.Printf("[INFO] basic auth enabled for webapi server")
		router.Use(rest.BasicAuthWithUserPasswd("tg-moder", s.AuthPasswd))
	} else {
		log.Printf("[WARN] basic auth disabled, access to webapi is not protected")
	}

	router.HandleFunc("POST /check", s.checkHandler)
	router.HandleFunc("POST /check/batch", s.checkBatchHandler)
	router.HandleFunc("GET /violations", s.violationsHandler)

	srv := &http.Server{Addr: s.ListenAddr, Handler: router, ReadTimeout: 5 * time.Second, WriteTimeout: 60 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown webapi server: %v", err)
		} else {
			log.Printf("[INFO] webapi server stopped")
		}
	}()

	log.Printf("[INFO] start webapi server on %s", s.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to run server: %w", err)
	}
	return nil
}

// checkHandler handles POST /check request. It gets message text and user
// info from the request body and returns the classification result.
func (s *Server) checkHandler(w http.ResponseWriter, r *http.Request) {
	req := modcheck.Request{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		rest.RenderJSON(w, rest.JSON{"error": "can't decode request", "details": err.Error()})
		log.Printf("[WARN] can't decode request: %v", err)
		return
	}
	rest.RenderJSON(w, s.Classifier.Check(r.Context(), req))
}

// checkBatchHandler handles POST /check/batch, classifying a list of
// messages with one result per input.
func (s *Server) checkBatchHandler(w http.ResponseWriter, r *http.Request) {
	var reqs []modcheck.Request
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		rest.RenderJSON(w, rest.JSON{"error": "can't decode request", "details": err.Error()})
		return
	}
	rest.RenderJSON(w, s.Classifier.CheckAll(r.Context(), reqs))
}

// violationsHandler handles GET /violations?limit=N, returning recent
// recorded violations.
func (s *Server) violationsHandler(w http.ResponseWriter, r *http.Request) {
	if s.Violations == nil {
		w.WriteHeader(http.StatusNotImplemented)
		rest.RenderJSON(w, rest.JSON{"error": "violation storage not enabled"})
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		res, err := strconv.Atoi(v)
		if err != nil || res <= 0 {
			w.WriteHeader(http.StatusBadRequest)
			rest.RenderJSON(w, rest.JSON{"error": "invalid limit"})
			return
		}
		limit = res
	}

	list, err := s.Violations.Recent(r.Context(), limit)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		rest.RenderJSON(w, rest.JSON{"error": "can't get violations", "details": err.Error()})
		return
	}
	rest.RenderJSON(w, rest.JSON{"violations": list, "count": len(list)})
}
