package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
)

type errorBody struct {
	Error string     `json:"error"`
	Kind  fault.Kind `json:"kind"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(k fault.Kind) int {
	switch k {
	case fault.KindValidation:
		return http.StatusBadRequest
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindBusiness:
		return http.StatusConflict
	case fault.KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	kind := fault.KindOf(err)
	code := statusFor(kind)
	if code >= 500 {
		log.Error().Err(err).Str("kind", string(kind)).Msg("request failed")
	}
	writeJSON(w, code, errorBody{Error: err.Error(), Kind: kind})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fault.Validation("invalid json: %v", err)
	}
	return nil
}
