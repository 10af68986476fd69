/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"

	"github.com/acronis/go-appkit/httpserver/middleware"
	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/restapi"
	"github.com/go-chi/chi/v5"

	"github.com/acronis/go-admissionkit/admission"
)

// Error codes used in responses of the administrative API.
const (
	AdminErrCodeClientNotFound = "clientNotFound"
	AdminErrCodeUnknownTier    = "unknownTier"
	AdminErrCodeInvalidLimits  = "invalidLimits"
)

// AdminAPI serves the administrative endpoints of the admission engine:
//
//	GET    /metrics                     aggregate decision counters
//	GET    /clients/{clientID}/usage    a single client's current usage
//	POST   /clients/{clientID}/reset    drop the client's state
//	PUT    /clients/{clientID}/limits   install a per-client plan override
//	DELETE /clients/{clientID}/limits   remove the override
type AdminAPI struct {
	engine    *admission.Engine
	errDomain string
}

// NewAdminAPI creates a new AdminAPI for the passed engine.
func NewAdminAPI(engine *admission.Engine, errDomain string) *AdminAPI {
	return &AdminAPI{engine: engine, errDomain: errDomain}
}

// Routes mounts the administrative endpoints on the passed chi router.
func (a *AdminAPI) Routes(router chi.Router) {
	router.Get("/metrics", a.handleGetMetrics)
	router.Route("/clients/{clientID}", func(router chi.Router) {
		router.Get("/usage", a.handleGetClientUsage)
		router.Post("/reset", a.handleResetClientLimits)
		router.Put("/limits", a.handleSetCustomLimits)
		router.Delete("/limits", a.handleRemoveCustomLimits)
	})
}

func (a *AdminAPI) handleGetMetrics(rw http.ResponseWriter, r *http.Request) {
	restapi.RespondJSON(rw, a.engine.Metrics(), a.logger(r))
}

func (a *AdminAPI) handleGetClientUsage(rw http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	usage, ok := a.engine.ClientUsage(clientID)
	if !ok {
		apiErr := restapi.NewError(a.errDomain, AdminErrCodeClientNotFound, "Client has no tracked state.")
		restapi.RespondError(rw, http.StatusNotFound, apiErr, a.logger(r))
		return
	}
	restapi.RespondJSON(rw, usage, a.logger(r))
}

func (a *AdminAPI) handleResetClientLimits(rw http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	a.engine.ResetClientLimits(clientID)
	if logger := a.logger(r); logger != nil {
		logger.Info("client admission state reset", log.String(AdmissionLogFieldClientID, clientID))
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (a *AdminAPI) handleSetCustomLimits(rw http.ResponseWriter, r *http.Request) {
	logger := a.logger(r)
	clientID := chi.URLParam(r, "clientID")

	var overrides map[string]interface{}
	if err := restapi.DecodeRequestJSON(r, &overrides); err != nil {
		restapi.RespondMalformedRequestOrInternalError(rw, a.errDomain, err, logger)
		return
	}

	if err := a.engine.SetCustomLimits(clientID, overrides); err != nil {
		code := AdminErrCodeInvalidLimits
		if _, ok := err.(*admission.UnknownTierError); ok {
			code = AdminErrCodeUnknownTier
		}
		apiErr := restapi.NewError(a.errDomain, code, err.Error())
		restapi.RespondError(rw, http.StatusBadRequest, apiErr, logger)
		return
	}

	if logger != nil {
		logger.Info("custom admission limits installed", log.String(AdmissionLogFieldClientID, clientID))
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (a *AdminAPI) handleRemoveCustomLimits(rw http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	a.engine.RemoveCustomLimits(clientID)
	rw.WriteHeader(http.StatusNoContent)
}

func (a *AdminAPI) logger(r *http.Request) log.FieldLogger {
	return middleware.GetLoggerFromContext(r.Context())
}
