package middleware

import (
	"net/http"
	"time"
)

type Recorder interface {
	Record(status int, duration time.Duration)
}

func Metrics(rec Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sr, r)
			rec.Record(sr.status, time.Since(start))
		})
	}
}
