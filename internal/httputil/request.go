package httputil

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// GetIntQueryParameters reads comma separated integers from the given
// optional query parameters and returns them by key. If a value can't be
// parsed, it'll write a 400 status code as well as the reasoning for the
// error into the ResponseWriter, and also return false.
func GetIntQueryParameters(w http.ResponseWriter, r *http.Request, paramKeys ...string) (map[string][]int, zerolog.Logger, bool) {
	params := make(map[string][]int, len(paramKeys))
	logger := log.With()
	query := r.URL.Query()
	for _, key := range paramKeys {
		raw := query.Get(key)
		if raw == "" {
			continue
		}
		var values []int
		for _, v := range strings.Split(raw, ",") {
			i, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				http.Error(w, fmt.Sprintf("expected integers in %s query parameter", key), http.StatusBadRequest)
				return nil, zerolog.Nop(), false
			}
			values = append(values, i)
		}
		params[key] = values
		logger = logger.Ints(key, values)
	}
	return params, logger.Logger(), true
}
