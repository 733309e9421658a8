package handlers

import (
	"net/http"

	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/gateway/mw"
)

func writeError(w http.ResponseWriter, r *http.Request, status int, typ core.ErrorType, code, message string) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	mw.WriteJSONError(w, status, &core.Error{
		Type:      typ,
		Code:      code,
		Message:   message,
		RequestID: reqID,
	})
}
