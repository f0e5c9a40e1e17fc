package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/michaelbrown/runbox/internal/runner"
)

// APIKeyHeader carries the shared secret. The api_key query or multipart
// form field is accepted as well.
const APIKeyHeader = "X-API-KEY"

// requireAPIKey rejects requests that do not present key. An empty key
// disables the check. The header and query string are checked first; the
// form field costs a parse of the body, bounded by limitBody, which the
// upload handler then reuses.
func requireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(APIKeyHeader)
			if got == "" {
				got = r.URL.Query().Get("api_key")
			}
			if got == "" && isMultipart(r) {
				if err := r.ParseMultipartForm(multipartMemory); err != nil {
					if tooLarge(err) {
						writeError(w, http.StatusRequestEntityTooLarge, runner.KindInvalidRequest, "upload exceeds the size limit")
						return
					}
				} else {
					got = r.PostFormValue("api_key")
				}
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeError(w, http.StatusUnauthorized, runner.KindUnauthorized, "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
}

func tooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
