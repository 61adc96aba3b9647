package httpserver

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Check is one dependency probe for /healthz, e.g. the backend or the database.
type Check func(ctx context.Context) error

// Register вешает /healthz и / на mux. Для вебхука нужен DefaultServeMux:
// tgbotapi.ListenForWebhook регистрирует обработчик именно там.
func Register(mux *http.ServeMux, checks map[string]Check) {
	mux.HandleFunc("/healthz", healthz(checks))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("clip telegram bot"))
	})
}

func healthz(checks map[string]Check) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for n := range checks {
		names = append(names, n)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		var failed []string
		for _, n := range names {
			if err := checks[n](ctx); err != nil {
				failed = append(failed, n+": not ok\n"+err.Error())
			}
		}
		if len(failed) > 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(strings.Join(failed, "\n")))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

func ListenAndServe(addr string, log logrus.FieldLogger) error {
	log.Infof("http listening on %s", addr)
	return http.ListenAndServe(addr, nil) // DefaultServeMux
}
