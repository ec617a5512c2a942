package shield

import "net/http"

// MaxBody returns middleware that caps the request body size for requests
// carrying a body. A shim posting events never legitimately exceeds a few
// kilobytes; anything larger is noise or abuse.
func MaxBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil && r.ContentLength != 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
