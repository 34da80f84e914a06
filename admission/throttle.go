package admission

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"callgate/admission/application"
	"callgate/admission/domain"
)

// KeyFunc escolhe a chave de limite de taxa de uma requisição.
type KeyFunc func(r *http.Request) string

// ThrottleOptions configura o limite de taxa dos webhooks.
type ThrottleOptions struct {
	Store domain.LimiterStore
	// Stats recebe um RecordThrottled por webhook barrado. Opcional.
	Stats domain.StatsStore

	KeyFn KeyFunc
	// KeyHeader identifica a conta do provedor; vazio usa o IP.
	KeyHeader          string
	TrustXForwardedFor bool

	RejectStatus        int
	RetryAfter          time.Duration
	AddRateLimitHeaders bool
}

// rateInfo é implementado por stores que conhecem seus parâmetros.
type rateInfo interface {
	RPS() float64
	Burst() int
}

// DefaultKeyFunc usa o header de conta do provedor quando existe; senão o IP
// do cliente (primeiro do X-Forwarded-For, se confiável).
func DefaultKeyFunc(keyHeader string, trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}
		if trustXFF {
			first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		return clientIP(r.RemoteAddr)
	}
}

func clientIP(remote string) string {
	remote = strings.TrimSpace(remote)
	if host, _, err := net.SplitHostPort(remote); err == nil && host != "" {
		return host
	}
	if remote != "" {
		return remote
	}
	return "unknown"
}

// ThrottleMiddleware barra webhooks acima da taxa da chave com RejectStatus
// (429 por padrão) e Retry-After em segundos.
func ThrottleMiddleware(opts ThrottleOptions) func(next http.Handler) http.Handler {
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusTooManyRequests
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = time.Second
	}
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.KeyHeader, opts.TrustXForwardedFor)
	}
	svc := application.Ingress{Limits: opts.Store, Stats: opts.Stats, RetryAfter: opts.RetryAfter}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := opts.KeyFn(r)
			if opts.AddRateLimitHeaders {
				rateHeaders(w.Header(), key, opts.Store)
			}

			dec := svc.Allow(r.Context(), domain.Key(key), r.URL.Path)
			if dec.Allowed {
				next.ServeHTTP(w, r)
				return
			}
			// int(2.5s.Seconds()) == 2
			w.Header().Set("Retry-After", strconv.Itoa(int(dec.RetryAfter.Seconds())))
			writeError(w, opts.RejectStatus, "rate_limited", http.StatusText(opts.RejectStatus))
		})
	}
}

func rateHeaders(h http.Header, key string, store domain.LimiterStore) {
	h.Set("X-RateLimit-Key", key)
	if ri, ok := store.(rateInfo); ok {
		h.Set("X-RateLimit-RPS", strconv.FormatFloat(ri.RPS(), 'f', -1, 64))
		h.Set("X-RateLimit-Burst", strconv.Itoa(ri.Burst()))
	}
}
