// Package ops exposes the read-only operational HTTP surface: liveness,
// a status snapshot of the bridge's registries and queues, and Prometheus
// metrics.
package ops

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dkarpov/go-sales-bridge/internal/config"
	"github.com/dkarpov/go-sales-bridge/internal/governor"
	"github.com/dkarpov/go-sales-bridge/internal/registry"
	"github.com/dkarpov/go-sales-bridge/internal/utils"
)

// maxStatusPageSize caps the thread listing page size.
const maxStatusPageSize = 100

// State bundles the read-only views the status endpoint reports on.
type State struct {
	Purchases *registry.PurchaseRegistry
	Threads   *registry.ThreadDirectory
	Ledger    *registry.DedupLedger
	Queue     *governor.Queue
}

type threadView struct {
	Key        string    `json:"key"`
	InvoiceID  int64     `json:"invoice_id"`
	ThreadID   int64     `json:"thread_id"`
	ThreadName string    `json:"thread_name"`
	Channels   []int64   `json:"channels,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewRouter builds the ops engine with the standard middleware chain.
func NewRouter(cfg config.Config, state State) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	r := gin.New()
	r.HandleMethodNotAllowed = true

	r.Use(RequestID())
	r.Use(Logger())
	r.Use(Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/status", statusHandler(state))

	return r
}

// statusHandler reports registry sizes, queue depths, and a paginated
// listing of thread entries, newest first.
func statusHandler(state State) gin.HandlerFunc {
	return func(c *gin.Context) {
		page := utils.AtoiDefault(c.Query("page"), 1)
		size := utils.AtoiDefault(c.Query("page_size"), 25)
		page, size = utils.ClampPage(page, size, maxStatusPageSize)

		entries := state.Threads.All()
		lo, hi := utils.PageBounds(page, size, len(entries))

		views := make([]threadView, 0, hi-lo)
		for _, e := range entries[lo:hi] {
			views = append(views, threadView{
				Key:        e.Key,
				InvoiceID:  e.InvoiceID,
				ThreadID:   e.ThreadID,
				ThreadName: e.ThreadName,
				Channels:   e.Channels(),
				CreatedAt:  e.CreatedAt,
			})
		}

		pendingThreads, pendingSends := state.Queue.Depth()
		c.JSON(http.StatusOK, gin.H{
			"purchases":       state.Purchases.Len(),
			"threads":         state.Threads.Len(),
			"dedup_records":   state.Ledger.Len(),
			"pending_threads": pendingThreads,
			"pending_sends":   pendingSends,
			"page":            page,
			"page_size":       size,
			"total":           len(entries),
			"entries":         views,
		})
	}
}

// NewServer wraps the router in an http.Server with the configured
// timeouts.
func NewServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}
