// Package gateway exposes the pool engines over HTTP. The engines are
// not safe for concurrent use, so every handler serializes through a
// single mutex; epoch work is quick enough that contention is not a
// concern at the request rates the gateway is limited to.
package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"tranchex/crypto"
	"tranchex/native/assessor"
	"tranchex/native/coordinator"
	"tranchex/native/tranche"
	"tranchex/state"
)

// Options wires an already assembled pool into the HTTP surface.
type Options struct {
	Ledger      *state.Ledger
	Coordinator *coordinator.Coordinator
	Senior      *tranche.Tranche
	Junior      *tranche.Tranche
	Assessor    *assessor.Assessor
	Feed        *assessor.StaticFeed

	// Admin is the account the administrative handlers act as. It must
	// hold the admin role for the setters to succeed.
	Admin *crypto.Address
	// AdminToken guards the /v1/admin routes. Empty disables them.
	AdminToken string
	// SubmitRatePerMinute throttles /v1/epoch/submit per client.
	// Zero or negative disables the limiter.
	SubmitRatePerMinute int

	Logger *slog.Logger
}

type Server struct {
	mu sync.Mutex

	log         *slog.Logger
	ledger      *state.Ledger
	coordinator *coordinator.Coordinator
	senior      *tranche.Tranche
	junior      *tranche.Tranche
	assessor    *assessor.Assessor
	feed        *assessor.StaticFeed

	admin      *crypto.Address
	adminToken string

	metrics     *metrics
	submitLimit *rateLimiter
	router      chi.Router
}

func New(opts Options) (*Server, error) {
	if opts.Ledger == nil {
		return nil, fmt.Errorf("gateway: nil ledger")
	}
	if opts.Coordinator == nil {
		return nil, fmt.Errorf("gateway: nil coordinator")
	}
	if opts.Senior == nil || opts.Junior == nil {
		return nil, fmt.Errorf("gateway: both tranches required")
	}
	if opts.Assessor == nil {
		return nil, fmt.Errorf("gateway: nil assessor")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		log:         log,
		ledger:      opts.Ledger,
		coordinator: opts.Coordinator,
		senior:      opts.Senior,
		junior:      opts.Junior,
		assessor:    opts.Assessor,
		feed:        opts.Feed,
		admin:       opts.Admin,
		adminToken:  opts.AdminToken,
		metrics:     newMetrics(),
		submitLimit: newRateLimiter(opts.SubmitRatePerMinute, 1),
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.observe("pool"))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", s.metrics.handler())

	r.Route("/v1", func(v chi.Router) {
		v.Route("/epoch", func(er chi.Router) {
			er.Get("/", s.getEpoch)
			er.Get("/submission", s.getBestSubmission)
			er.Post("/close", s.closeEpoch)
			er.With(s.submitLimit.middleware).Post("/submit", s.submitSolution)
			er.Post("/validate", s.validateSolution)
			er.Post("/execute", s.executeEpoch)
		})
		v.Route("/tranches/{class}", func(tr chi.Router) {
			tr.Get("/", s.getTranche)
			tr.Get("/orders/{investor}", s.getOrder)
			tr.Post("/orders/supply", s.supplyOrder)
			tr.Post("/orders/redeem", s.redeemOrder)
			tr.Post("/disburse", s.disburse)
			tr.Get("/disburse/{investor}", s.previewDisburse)
		})
		v.Get("/accounts/{address}", s.getAccount)
		v.Route("/admin", func(ar chi.Router) {
			ar.Use(s.requireAdmin)
			ar.Post("/nav", s.setNAV)
			ar.Post("/max-reserve", s.setMaxReserve)
			ar.Post("/ratio-bounds", s.setRatioBounds)
			ar.Post("/fund", s.fundAccount)
			ar.Post("/pause", s.setPaused)
		})
	})
	return r
}

// trancheFor resolves the {class} path parameter.
func (s *Server) trancheFor(r *http.Request) (*tranche.Tranche, bool) {
	switch chi.URLParam(r, "class") {
	case "senior":
		return s.senior, true
	case "junior":
		return s.junior, true
	}
	return nil, false
}

// adminCaller is the account the admin handlers act as. The zero
// address never holds the admin role, so an unconfigured admin fails
// authorization downstream.
func (s *Server) adminCaller() crypto.Address {
	if s.admin == nil {
		return crypto.Address{}
	}
	return *s.admin
}
