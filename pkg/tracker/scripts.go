package tracker

import (
	"context"
	"net/http"
	"sync"

	"github.com/illmade-knight/go-analytics/pkg/dispatch"
	"github.com/illmade-knight/go-analytics/pkg/scripts"
	"github.com/rs/zerolog/log"
)

var defaultScripts = sync.OnceValue(func() *dispatch.Registry {
	web := scripts.HTTPFetcher{Client: http.DefaultClient}
	fetcher := scripts.SchemeFetcher{
		"http":  web,
		"https": web,
		"file":  scripts.FileFetcher{},
	}
	loader := scripts.NewWasmLoader(context.Background(), fetcher, scripts.WasmConfig{}, log.Logger)
	return dispatch.NewRegistry(loader, log.Logger)
})

// DefaultScripts returns the process-wide script registry used by clients
// created without Options.Scripts. Each script source it sees is fetched and
// compiled at most once for the life of the process.
func DefaultScripts() *dispatch.Registry {
	return defaultScripts()
}
