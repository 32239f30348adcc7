package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/ShopPipe/internal/models"
)

// internalErrorBody is written when a response cannot be encoded.
var internalErrorBody = []byte(`{"status":"error","message":"Internal server error"}`)

var errEmptyBody = errors.New("empty request body")

// writeJSONResponse encodes response before touching the headers so an
// encoding failure still produces a well-formed 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response models.APIResponse) {
	body, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		body, statusCode = internalErrorBody, http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(append(body, '\n')); err != nil {
		slog.Debug("Server.writeJSONResponse: client went away", "error", err)
	}
}

// decodeJSON reads exactly one JSON value from the request body into v.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}
