package httputil

import (
	"io"
	"net/http"

	"github.com/andybalholm/brotli"
	"github.com/pierrec/lz4/v4"
)

// DecompressPayload decodes brotli and lz4 request bodies before handing
// the request to next. Other encodings are rejected.
func DecompressPayload(next http.Handler) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		switch r.Header.Get("Content-Encoding") {
		case "":
		case "br":
			r.Body = io.NopCloser(brotli.NewReader(r.Body))
		case "lz4":
			r.Body = io.NopCloser(lz4.NewReader(r.Body))
		default:
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		r.Header.Del("Content-Encoding")

		next.ServeHTTP(w, r)
	})
}
