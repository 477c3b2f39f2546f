package http

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"

	"github.com/arkilian/geogrid/internal/aggregation/geogrid"
	"github.com/arkilian/geogrid/internal/codec"
	gerrors "github.com/arkilian/geogrid/internal/errors"
)

// decodeJSON reads a JSON body into v.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if isTooLarge(err) {
			return err
		}
		return gerrors.Wrap(gerrors.ErrCategoryValidation, gerrors.CodeInvalidRequest, "invalid JSON body", err)
	}
	return nil
}

// readGridResult reads a single grid result, either framed binary or JSON
// depending on Content-Type.
func readGridResult(r *http.Request) (*geogrid.GridResult, error) {
	if isFramedRequest(r) {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		return codec.Decode(data)
	}

	var dto codec.GridResultJSON
	if err := decodeJSON(r, &dto); err != nil {
		return nil, err
	}
	return codec.FromJSON(&dto)
}

// writeGridResult writes g as framed binary when the client asks for it,
// JSON otherwise.
func writeGridResult(w http.ResponseWriter, r *http.Request, status int, g *geogrid.GridResult) {
	if wantsFramed(r) {
		data, err := codec.Encode(g)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		w.Header().Set("Content-Type", codec.ContentType)
		w.WriteHeader(status)
		w.Write(data) // nolint: errcheck
		return
	}

	dto, err := codec.ToJSON(g)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, status, dto)
}

func isFramedRequest(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == codec.ContentType
}

func wantsFramed(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Accept"))
	return err == nil && mt == codec.ContentType
}

func isTooLarge(err error) bool {
	return statusFor(err) == http.StatusRequestEntityTooLarge
}
