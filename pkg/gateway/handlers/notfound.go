package handlers

import (
	"net/http"

	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/apierror"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/mw"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	writeAPIError(w, reqID, http.StatusNotFound, &apierror.Error{
		Type:    apierror.TypeNotFound,
		Message: "not found",
	})
}
