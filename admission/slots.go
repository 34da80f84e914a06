package admission

import (
	"net/http"
	"time"

	"callgate/admission/application"
	"callgate/admission/domain"
)

// SlotsOptions limita quantos webhooks são processados ao mesmo tempo.
// Pool nil desliga o limite.
type SlotsOptions struct {
	Pool           domain.SlotPool
	// Stats recebe um RecordOverloaded por webhook barrado. Opcional.
	Stats          domain.StatsStore
	RejectStatus   int
	AcquireTimeout time.Duration
}

func SlotsMiddleware(opts SlotsOptions) func(next http.Handler) http.Handler {
	if opts.Pool == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusServiceUnavailable
	}

	svc := application.Ingress{
		Pool:           opts.Pool,
		Stats:          opts.Stats,
		AcquireTimeout: opts.AcquireTimeout,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			release, ok := svc.Enter(r.Context(), r.URL.Path)
			if !ok {
				writeError(w, opts.RejectStatus, "overloaded", http.StatusText(opts.RejectStatus))
				return
			}
			defer release()

			next.ServeHTTP(w, r)
		})
	}
}
