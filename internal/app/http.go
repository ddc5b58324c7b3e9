package app

import (
	"net/http"

	apihttp "archivestream/searchservice/internal/api/http"
)

// Handler builds the HTTP API over the runtime components.
func (r *Runtime) Handler() http.Handler {
	server := apihttp.NewServer(r.Search,
		apihttp.WithLogger(r.Logger),
		apihttp.WithClickLedger(r.Ledger),
		apihttp.WithLocalizer(r.Localizer, r.Config.LocalizeOnPlay),
		apihttp.WithProxyPool(r.Rotator),
		apihttp.WithStreamer(r.Fetcher, r.Archive.IsArchiveURL),
		apihttp.WithMediaFiles(r.Config.MediaPublicPrefix, r.Config.MediaCacheDir),
		apihttp.WithRateLimit(r.Config.RateLimitRPS, r.Config.RateLimitBurst),
	)
	return server.Handler()
}
