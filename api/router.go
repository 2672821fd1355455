package api

import (
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/kychandar/changecast/common"
	"github.com/kychandar/changecast/services"
	slogctx "github.com/veqryn/slog-context"
)

type Options struct {
	Logger   *slog.Logger
	Notifier services.Notifier
	// Stores holds one store per entity kind; each kind gets its own collection.
	Stores map[string]services.ResourceStore
	// RoomStore may be nil when cross-node room presence is disabled.
	RoomStore      services.RoomStore
	AllowedOrigins []string
}

// NewRouter builds the mutation API. Every route lives under /api.
func NewRouter(opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(opts.Logger.With("component", "api")), cors.New(corsConfig(opts.AllowedOrigins)))

	entities := make([]string, 0, len(opts.Stores))
	for entity := range opts.Stores {
		entities = append(entities, entity)
	}
	sort.Strings(entities)

	api := router.Group("/api")
	{
		for _, entity := range entities {
			if CollectionPath(entity) == roomsPath {
				opts.Logger.Warn("entity collides with the rooms route, not mounted", "entity", entity)
				continue
			}
			NewEntityHandler(entity, opts.Stores[entity], opts.Notifier).RegisterRoutes(api)
		}
		NewRoomHandler(opts.RoomStore).RegisterRoutes(api)
	}
	return router
}

func corsConfig(allowed []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{OutcomeHeader},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range allowed {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
		if strings.HasPrefix(o, "http://") || strings.HasPrefix(o, "https://") {
			cfg.AllowOrigins = append(cfg.AllowOrigins, o)
		}
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowAllOrigins = true
	}
	return cfg
}

// requestLogger puts a request-scoped logger in the request context and logs the result.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqLogger := logger.With("method", c.Request.Method, "path", c.Request.URL.Path)
		c.Request = c.Request.WithContext(slogctx.NewCtx(c.Request.Context(), reqLogger))

		c.Next()

		status := c.Writer.Status()
		notified := outcome(c)
		attrs := []any{"status", status, "latency", time.Since(start)}
		if notified != "" {
			attrs = append(attrs, "notify-outcome", notified)
		}
		switch {
		case status >= http.StatusInternalServerError:
			reqLogger.Error("request failed", attrs...)
		case notified != "" && notified != common.Delivered.String():
			reqLogger.Warn("request served, notification not delivered", attrs...)
		default:
			reqLogger.Debug("request served", attrs...)
		}
	}
}

func outcome(c *gin.Context) string {
	return c.Writer.Header().Get(OutcomeHeader)
}
