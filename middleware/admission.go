/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Package middleware provides HTTP middleware and an administrative API
// on top of the admission engine.
package middleware

import (
	"net/http"
	"strings"

	"github.com/acronis/go-appkit/httpserver/middleware"
	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/restapi"
	"github.com/rs/xid"

	"github.com/acronis/go-admissionkit/admission"
)

// AdmissionErrCodeThrottled is an error code that is used in a response body
// when the request is rejected because a rate quota is exhausted.
const AdmissionErrCodeThrottled = "tooManyRequests"

// AdmissionErrCodeCapacity is an error code that is used in a response body
// when the request is rejected because concurrency or daily capacity is exhausted.
const AdmissionErrCodeCapacity = "capacityExceeded"

// Names of the logged fields describing a rejected request.
const (
	AdmissionLogFieldClientID   = "admission_client_id"
	AdmissionLogFieldTier       = "admission_tier"
	AdmissionLogFieldReason     = "admission_reject_reason"
	AdmissionLogFieldRejectID   = "admission_reject_id"
	admissionLogFieldUserAgent  = "user_agent"
	admissionLogFieldRetryAfter = "retry_after_sec"
)

// AdmissionGetClientFunc identifies the caller of an HTTP request.
// Returning bypass == true skips admission control for the request.
type AdmissionGetClientFunc func(r *http.Request) (clientID, tier string, bypass bool, err error)

// AdmissionParams contains data that relates to a rejected or failed request
// and is passed to the reject and error callbacks.
type AdmissionParams struct {
	ErrDomain string
	ClientID  string
	Tier      string
	Decision  admission.Decision

	// RejectID is a unique ID generated for the rejection, logged and
	// returned in the response context for correlation.
	RejectID string
}

// AdmissionOnRejectFunc is a function that is called for rejecting HTTP request when the admission is denied.
type AdmissionOnRejectFunc func(
	rw http.ResponseWriter, r *http.Request, params AdmissionParams, next http.Handler, logger log.FieldLogger)

// AdmissionOnErrorFunc is a function that is called when the admission check itself fails.
type AdmissionOnErrorFunc func(
	rw http.ResponseWriter, r *http.Request, params AdmissionParams, err error, next http.Handler, logger log.FieldLogger)

// AdmissionOpts represents an options for the Admission middleware.
type AdmissionOpts struct {
	// DryRun logs would-be rejections and serves the request anyway.
	DryRun bool

	OnReject         AdmissionOnRejectFunc
	OnRejectInDryRun AdmissionOnRejectFunc
	OnError          AdmissionOnErrorFunc
}

type admissionHandler struct {
	next      http.Handler
	engine    *admission.Engine
	getClient AdmissionGetClientFunc
	errDomain string
	dryRun    bool

	onReject AdmissionOnRejectFunc
	onError  AdmissionOnErrorFunc
}

// Admission is a middleware that gates HTTP requests through the admission
// engine: every request consumes quota on all four windows and holds an
// in-flight slot for its duration. Rejections carry X-RateLimit-* and
// Retry-After headers from the engine's decision.
func Admission(
	engine *admission.Engine, errDomain string, getClient AdmissionGetClientFunc,
) func(next http.Handler) http.Handler {
	return AdmissionWithOpts(engine, errDomain, getClient, AdmissionOpts{})
}

// AdmissionWithOpts is a configurable version of a middleware to gate HTTP requests
// through the admission engine.
func AdmissionWithOpts(
	engine *admission.Engine, errDomain string, getClient AdmissionGetClientFunc, opts AdmissionOpts,
) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return &admissionHandler{
			next:      next,
			engine:    engine,
			getClient: getClient,
			errDomain: errDomain,
			dryRun:    opts.DryRun,
			onReject:  makeAdmissionOnRejectFunc(opts),
			onError:   makeAdmissionOnErrorFunc(opts),
		}
	}
}

func (h *admissionHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLoggerFromContext(r.Context())

	clientID, tier, bypass, err := h.getClient(r)
	if err != nil {
		h.onError(rw, r, h.makeParams(clientID, tier, admission.Decision{}), err, h.next, logger)
		return
	}
	if bypass {
		h.next.ServeHTTP(rw, r)
		return
	}

	d, err := h.engine.Allow(clientID, tier)
	if err != nil {
		h.onError(rw, r, h.makeParams(clientID, tier, d), err, h.next, logger)
		return
	}
	setDecisionHeaders(rw, d)
	if !d.Allowed {
		h.reject(rw, r, h.makeParams(clientID, tier, d), logger)
		return
	}

	// The quota is already committed, so a failed slot acquisition
	// (lost race with a concurrent request) must give it back.
	acquired, err := h.engine.StartConcurrent(clientID, tier)
	if err != nil {
		h.engine.Refund(clientID)
		h.onError(rw, r, h.makeParams(clientID, tier, d), err, h.next, logger)
		return
	}
	if !acquired {
		h.engine.Refund(clientID)
		d.Allowed = false
		d.Reason = admission.DenyReasonConcurrentLimit
		h.reject(rw, r, h.makeParams(clientID, tier, d), logger)
		return
	}
	defer h.engine.EndConcurrent(clientID)

	h.next.ServeHTTP(rw, r)
}

func (h *admissionHandler) reject(
	rw http.ResponseWriter, r *http.Request, params AdmissionParams, logger log.FieldLogger,
) {
	h.onReject(rw, r, params, h.next, logger)
}

func (h *admissionHandler) makeParams(clientID, tier string, d admission.Decision) AdmissionParams {
	return AdmissionParams{
		ErrDomain: h.errDomain,
		ClientID:  clientID,
		Tier:      tier,
		Decision:  d,
		RejectID:  xid.New().String(),
	}
}

func makeAdmissionOnRejectFunc(opts AdmissionOpts) AdmissionOnRejectFunc {
	if opts.DryRun {
		if opts.OnRejectInDryRun != nil {
			return opts.OnRejectInDryRun
		}
		return DefaultAdmissionOnRejectInDryRun
	}
	if opts.OnReject != nil {
		return opts.OnReject
	}
	return DefaultAdmissionOnReject
}

func makeAdmissionOnErrorFunc(opts AdmissionOpts) AdmissionOnErrorFunc {
	if opts.OnError != nil {
		return opts.OnError
	}
	return DefaultAdmissionOnError
}

// DefaultAdmissionOnReject sends an error response matching the denial class:
// 503 for exhausted capacity (concurrent or daily limit), 429 otherwise.
func DefaultAdmissionOnReject(
	rw http.ResponseWriter, r *http.Request, params AdmissionParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger = logger.With(rejectLogFields(r, params)...)
	}
	code, status, message := rejectResponse(params.Decision)
	apiErr := restapi.NewError(params.ErrDomain, code, message)
	restapi.RespondError(rw, status, apiErr, logger)
}

// DefaultAdmissionOnRejectInDryRun logs the would-be rejection and serves the request.
func DefaultAdmissionOnRejectInDryRun(
	rw http.ResponseWriter, r *http.Request, params AdmissionParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Warn("admission denied, serving will be continued because of dry run mode",
			rejectLogFields(r, params)...)
	}
	next.ServeHTTP(rw, r)
}

// DefaultAdmissionOnError sends HTTP response in a typical go-appkit way
// when an error occurs during the admission check. Unknown tiers are client
// errors, everything else is internal.
func DefaultAdmissionOnError(
	rw http.ResponseWriter, r *http.Request, params AdmissionParams, err error, next http.Handler, logger log.FieldLogger,
) {
	if _, ok := err.(*admission.UnknownTierError); ok {
		apiErr := restapi.NewError(params.ErrDomain, "unknownTier", err.Error())
		restapi.RespondError(rw, http.StatusForbidden, apiErr, logger)
		return
	}
	if logger != nil {
		logger.Error(err.Error(), log.String(AdmissionLogFieldClientID, params.ClientID))
	}
	restapi.RespondInternalError(rw, params.ErrDomain, logger)
}

func rejectResponse(d admission.Decision) (code string, status int, message string) {
	if d.Reason.IsCapacity() {
		return AdmissionErrCodeCapacity, http.StatusServiceUnavailable, "Capacity exceeded."
	}
	return AdmissionErrCodeThrottled, http.StatusTooManyRequests, "Too many requests."
}

func rejectLogFields(r *http.Request, params AdmissionParams) []log.Field {
	return []log.Field{
		log.String(AdmissionLogFieldClientID, params.ClientID),
		log.String(AdmissionLogFieldTier, params.Tier),
		log.String(AdmissionLogFieldReason, string(params.Decision.Reason)),
		log.String(AdmissionLogFieldRejectID, params.RejectID),
		log.Int64(admissionLogFieldRetryAfter, int64(params.Decision.RetryAfter.Seconds())),
		log.String(admissionLogFieldUserAgent, r.UserAgent()),
	}
}

func setDecisionHeaders(rw http.ResponseWriter, d admission.Decision) {
	for name, value := range d.Headers {
		rw.Header().Set(name, value)
	}
}

// GetClientFromHeaders builds an AdmissionGetClientFunc reading the client ID
// and tier from the passed header names. Requests without the client header
// bypass admission control; a missing tier falls back to defaultTier.
func GetClientFromHeaders(clientIDHeader, tierHeader, defaultTier string) AdmissionGetClientFunc {
	return func(r *http.Request) (clientID, tier string, bypass bool, err error) {
		clientID = strings.TrimSpace(r.Header.Get(clientIDHeader))
		if clientID == "" {
			return "", "", true, nil
		}
		tier = strings.TrimSpace(r.Header.Get(tierHeader))
		if tier == "" {
			tier = defaultTier
		}
		return clientID, tier, false, nil
	}
}
