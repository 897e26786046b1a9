package httputil

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// GetRequiredPathParameters reads the named route parameters of the
// request and returns a map of the key value pairs along with a logger
// carrying them. If a parameter is missing it writes a 400 status code and
// the reason for the error into the ResponseWriter and returns false.
func GetRequiredPathParameters(w http.ResponseWriter, r *http.Request, paramKeys ...string) (map[string]string, zerolog.Logger, bool) {
	ps := httprouter.ParamsFromContext(r.Context())
	params := make(map[string]string, len(paramKeys))
	logger := log.With()
	for _, key := range paramKeys {
		value := ps.ByName(key)
		if value == "" {
			http.Error(w, fmt.Sprintf("expected %s path parameter", key), http.StatusBadRequest)
			return nil, zerolog.Nop(), false
		}
		params[key] = value
		logger = logger.Str(key, value)
	}
	return params, logger.Logger(), true
}

// GetUint64PathParameter reads a numeric route parameter. It writes a 400
// status code and returns false if the parameter is missing or malformed.
func GetUint64PathParameter(w http.ResponseWriter, r *http.Request, key string) (uint64, bool) {
	raw := httprouter.ParamsFromContext(r.Context()).ByName(key)
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		http.Error(w, fmt.Sprintf("expected a numeric %s path parameter", key), http.StatusBadRequest)
		return 0, false
	}
	return v, true
}
