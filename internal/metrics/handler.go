package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/sentrix-io/sentrix/internal/logging"
)

// ScrapeHook runs before each scrape is served. It receives the request
// context bounded by HandlerOpts.HookTimeout.
type ScrapeHook func(ctx context.Context)

// HandlerOpts configures the /metrics handler.
type HandlerOpts struct {
	// BeforeScrape refreshes scrape-driven metrics. Optional.
	BeforeScrape ScrapeHook
	// HookTimeout bounds BeforeScrape. Zero means 10 seconds.
	HookTimeout time.Duration
	Logger      *logging.Logger
}

// NewHandler serves reg in the Prometheus text exposition format. Every
// registered metric is listed, with its HELP and TYPE lines only until it
// has a sample.
func NewHandler(reg *Registry, opts HandlerOpts) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	timeout := opts.HookTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	contentType := string(expfmt.NewFormat(expfmt.TypeTextPlain))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if opts.BeforeScrape != nil {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			opts.BeforeScrape(ctx)
			cancel()
		}

		mfs, err := reg.Gather()
		if err != nil {
			// Families that did gather are still served.
			logger.Warnf("metrics exposition error", map[string]any{"error": err.Error()})
		}

		var buf, family bytes.Buffer
		for _, mf := range mfs {
			family.Reset()
			if err := writeFamily(&family, mf); err != nil {
				logger.Warnf("metrics exposition error", map[string]any{
					"metric": mf.GetName(),
					"error":  err.Error(),
				})
				continue
			}
			buf.Write(family.Bytes())
		}

		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			_, _ = w.Write(buf.Bytes())
		}
	})
}

var helpEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`)

func writeFamily(w io.Writer, mf *dto.MetricFamily) error {
	if len(mf.GetMetric()) > 0 {
		_, err := expfmt.MetricFamilyToText(w, mf)
		return err
	}
	// expfmt refuses families without samples.
	_, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n",
		mf.GetName(), helpEscaper.Replace(mf.GetHelp()),
		mf.GetName(), strings.ToLower(mf.GetType().String()))
	return err
}
