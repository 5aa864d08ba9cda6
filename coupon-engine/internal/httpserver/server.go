// Package httpserver exposes coupon management, issuing and operational endpoints.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shopfront/Main/coupon-engine/internal/allocator"
	"github.com/shopfront/Main/coupon-engine/internal/events"
	"github.com/shopfront/Main/coupon-engine/internal/issuance"
	"github.com/shopfront/Main/coupon-engine/internal/lock"
	"github.com/shopfront/Main/coupon-engine/internal/logging"
	"github.com/shopfront/Main/coupon-engine/internal/metrics"
	"github.com/shopfront/Main/coupon-engine/internal/models"
	"github.com/shopfront/Main/coupon-engine/internal/outbox"
	"github.com/shopfront/Main/coupon-engine/internal/store"
)

// IssueRequester starts an asynchronous issue.
type IssueRequester interface {
	RequestIssue(ctx context.Context, userID, couponID int64) (uuid.UUID, error)
}

// Deps are the components the server calls into. Reconciler and RedisPing are optional.
type Deps struct {
	Store      store.Store
	Engine     issuance.Allocator
	Producer   IssueRequester
	Outbox     *outbox.Log
	Results    issuance.ResultSink
	Reconciler *outbox.Reconciler
	Locker     lock.Locker
	RedisPing  func(ctx context.Context) error
	Instance   string
	Log        logrus.FieldLogger
}

type Options struct {
	JWTSecret      string
	IssueRateLimit float64
	IssueRateBurst int
}

type Server struct {
	Deps
	jwtSecret string
	limiter   *rateLimiter
	log       logrus.FieldLogger
}

func New(deps Deps, opts Options) *Server {
	return &Server{
		Deps:      deps,
		jwtSecret: opts.JWTSecret,
		limiter:   newRateLimiter(opts.IssueRateLimit, opts.IssueRateBurst),
		log:       logging.OrDiscard(deps.Log).WithField("component", "httpserver"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/coupons/{id}", s.handleGetCoupon)
		r.With(s.limiter.handler).Post("/coupons/{id}/issue", s.handleIssue)
		r.With(s.limiter.handler).Post("/coupons/{id}/issue/sync", s.handleIssueSync)
		r.Get("/issue-requests/{correlationId}", s.handleIssueStatus)

		r.Group(func(r chi.Router) {
			r.Use(requireAdmin)
			r.Post("/coupons", s.handleCreateCoupon)
			r.Get("/outbox/stuck", s.handleStuck)
			r.Post("/admin/locks/{key}/force-unlock", s.handleForceUnlock)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"db": "ok"}
	status := http.StatusOK
	if err := s.Store.Ping(r.Context()); err != nil {
		checks["db"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if s.RedisPing != nil {
		checks["redis"] = "ok"
		if err := s.RedisPing(r.Context()); err != nil {
			checks["redis"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	respondJSON(w, status, map[string]interface{}{"status": http.StatusText(status), "checks": checks})
}

type couponBody struct {
	ID            int64               `json:"id"`
	Name          string              `json:"name"`
	TotalQuantity int                 `json:"totalQuantity"`
	StartsAt      time.Time           `json:"startsAt"`
	EndsAt        time.Time           `json:"endsAt"`
	Status        models.CouponStatus `json:"status"`
}

func (s *Server) handleCreateCoupon(w http.ResponseWriter, r *http.Request) {
	var body couponBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch {
	case body.Name == "":
		respondError(w, http.StatusBadRequest, "name required")
		return
	case body.TotalQuantity < 0:
		respondError(w, http.StatusBadRequest, "totalQuantity must not be negative")
		return
	case body.StartsAt.IsZero() || body.EndsAt.IsZero() || !body.EndsAt.After(body.StartsAt):
		respondError(w, http.StatusBadRequest, "endsAt must be after startsAt")
		return
	}
	switch body.Status {
	case "", models.CouponActive, models.CouponDisabled:
	default:
		respondError(w, http.StatusBadRequest, "status must be ACTIVE or DISABLED")
		return
	}

	c, err := s.Store.CreateCoupon(r.Context(), store.CouponInput{
		ID:            body.ID,
		Name:          body.Name,
		TotalQuantity: body.TotalQuantity,
		StartsAt:      body.StartsAt.UTC(),
		EndsAt:        body.EndsAt.UTC(),
		Status:        body.Status,
	})
	if errors.Is(err, store.ErrDuplicate) {
		respondError(w, http.StatusConflict, "coupon already exists")
		return
	}
	if err != nil {
		s.log.WithError(err).Error("create coupon")
		respondError(w, http.StatusInternalServerError, "create coupon failed")
		return
	}
	respondJSON(w, http.StatusCreated, couponView(c))
}

func (s *Server) handleGetCoupon(w http.ResponseWriter, r *http.Request) {
	id, ok := couponID(w, r)
	if !ok {
		return
	}
	c, err := s.Store.GetCoupon(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "coupon not found")
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("coupon_id", id).Error("get coupon")
		respondError(w, http.StatusInternalServerError, "get coupon failed")
		return
	}
	respondJSON(w, http.StatusOK, couponView(c))
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	id, ok := couponID(w, r)
	if !ok {
		return
	}
	p, _ := principalFrom(r.Context())
	corr, err := s.Producer.RequestIssue(r.Context(), p.UserID, id)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"user_id": p.UserID, "coupon_id": id}).Error("request issue")
		respondError(w, http.StatusServiceUnavailable, "issue request not accepted")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"correlationId": corr,
		"statusUrl":     "/issue-requests/" + corr.String(),
	})
}

func (s *Server) handleIssueSync(w http.ResponseWriter, r *http.Request) {
	id, ok := couponID(w, r)
	if !ok {
		return
	}
	p, _ := principalFrom(r.Context())
	corr := uuid.New()
	ctx := lock.WithOwner(r.Context(), s.Instance+":"+corr.String())

	iss, err := s.Engine.Allocate(ctx, allocator.AllocateInput{UserID: p.UserID, CouponID: id, CorrelationID: corr})
	code := allocator.Codify(err)
	if err == nil {
		respondJSON(w, http.StatusCreated, map[string]interface{}{
			"resultCode": code,
			"issuance":   iss,
		})
		return
	}
	if code == models.ResultSystemError {
		s.log.WithError(err).WithField("correlation_id", corr).Error("synchronous issue")
	}
	respondJSON(w, statusForCode(code), map[string]interface{}{
		"resultCode": code,
		"error":      err.Error(),
	})
}

func statusForCode(code models.ResultCode) int {
	switch code {
	case models.ResultIssued:
		return http.StatusCreated
	case models.ResultNotFound:
		return http.StatusNotFound
	case models.ResultOutOfStock, models.ResultAlreadyIssued, models.ResultLockContention:
		return http.StatusConflict
	case models.ResultNotStarted, models.ResultExpired, models.ResultDisabled:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type issueStatus struct {
	CorrelationID uuid.UUID           `json:"correlationId"`
	Status        models.OutboxStatus `json:"status"`
	Attempts      int                 `json:"attempts"`
	LastError     *string             `json:"lastError,omitempty"`
	Result        *events.IssueResult `json:"result,omitempty"`
}

func (s *Server) handleIssueStatus(w http.ResponseWriter, r *http.Request) {
	corr, err := uuid.Parse(chi.URLParam(r, "correlationId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid correlationId")
		return
	}
	e, err := s.Outbox.Get(r.Context(), corr)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "issue request not found")
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("correlation_id", corr).Error("get outbox entry")
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	// Other users' requests look the same as unknown ones.
	if p, _ := principalFrom(r.Context()); !p.Admin && !requestedBy(e, p.UserID) {
		respondError(w, http.StatusNotFound, "issue request not found")
		return
	}
	out := issueStatus{CorrelationID: corr, Status: e.Status, Attempts: e.Attempts, LastError: e.LastError}
	if s.Results != nil {
		res, err := s.Results.Get(r.Context(), corr)
		switch {
		case err == nil:
			out.Result = &res
		case !errors.Is(err, issuance.ErrResultNotFound):
			s.log.WithError(err).WithField("correlation_id", corr).Warn("read issue result")
		}
	}
	respondJSON(w, http.StatusOK, out)
}

func requestedBy(e models.OutboxEntry, userID int64) bool {
	if e.EventType != string(events.KindIssueRequested) {
		return false
	}
	var req events.IssueRequested
	if err := json.Unmarshal(e.Payload, &req); err != nil {
		return false
	}
	return req.UserID == userID
}

func (s *Server) handleStuck(w http.ResponseWriter, r *http.Request) {
	if s.Reconciler == nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{"entries": []models.OutboxEntry{}})
		return
	}
	entries, err := s.Reconciler.Scan(r.Context())
	if err != nil {
		s.log.WithError(err).Error("scan stuck outbox entries")
		respondError(w, http.StatusInternalServerError, "scan failed")
		return
	}
	if entries == nil {
		entries = []models.OutboxEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleForceUnlock(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		respondError(w, http.StatusBadRequest, "key required")
		return
	}
	if err := s.Locker.ForceUnlock(r.Context(), key); err != nil {
		s.log.WithError(err).WithField("lock_key", key).Error("force unlock")
		respondError(w, http.StatusInternalServerError, "force unlock failed")
		return
	}
	p, _ := principalFrom(r.Context())
	s.log.WithFields(logrus.Fields{"lock_key": key, "by_user": p.UserID}).Warn("lock force-unlocked")
	w.WriteHeader(http.StatusNoContent)
}

func couponID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid coupon id")
		return 0, false
	}
	return id, true
}

func couponView(c models.Coupon) map[string]interface{} {
	return map[string]interface{}{
		"coupon":    c,
		"remaining": c.Remaining(),
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
