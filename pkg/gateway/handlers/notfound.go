package handlers

import (
	"net/http"

	"github.com/vango-go/vai-callbridge/pkg/core"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, core.ErrInvalidRequest, "not_found", "not found")
}
