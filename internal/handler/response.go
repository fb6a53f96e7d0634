package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apperrors "github.com/rdsconnect/screen-server/internal/errors"
	"github.com/rdsconnect/screen-server/internal/httputil"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

// decodeBody reads a JSON body into dst and runs its validate tags. An
// empty body decodes as {}.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.ValidationError("Invalid request body")
	}
	return httputil.Validate(dst)
}
