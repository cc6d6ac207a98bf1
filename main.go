package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mail-sync-infra/internal/auth"
	"github.com/Martian-dev/mail-sync-infra/internal/batch"
	"github.com/Martian-dev/mail-sync-infra/internal/blob"
	"github.com/Martian-dev/mail-sync-infra/internal/deletion"
	"github.com/Martian-dev/mail-sync-infra/internal/events"
	"github.com/Martian-dev/mail-sync-infra/internal/mail"
	"github.com/Martian-dev/mail-sync-infra/internal/providers/gmail"
	"github.com/Martian-dev/mail-sync-infra/internal/providers/imapuid"
	"github.com/Martian-dev/mail-sync-infra/internal/providers/outlook"
	"github.com/Martian-dev/mail-sync-infra/internal/store"
	syncpkg "github.com/Martian-dev/mail-sync-infra/internal/sync"
)

type startSyncRequest struct {
	TenantID     string `json:"tenantId" binding:"required"`
	ConnectionID string `json:"connectionId" binding:"required"`
	Provider     string `json:"provider" binding:"required"`
	Email        string `json:"email"`
	Priority     int    `json:"priority"`
}

func main() {
	log := logrus.NewEntry(logrus.StandardLogger())
	logrus.SetFormatter(&logrus.JSONFormatter{})

	dbPath := envOr("DB_PATH", "data/mail.db")
	if err := os.MkdirAll("data", 0o755); err != nil {
		log.WithError(err).Fatal("failed to create data directory")
	}

	st, err := store.Open(dbPath)
	if err != nil {
		log.WithError(err).Fatal("failed to open store")
	}
	defer st.Close()

	blobs, err := blob.NewFSStore(envOr("BLOB_DIR", "data/blobs"))
	if err != nil {
		log.WithError(err).Fatal("failed to open blob store")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Events are optional in development; without a broker the engine still
	// syncs, it just publishes nothing.
	var sink events.Sink
	var notifier *events.Notifier
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		publisher, err := events.NewPublisher(natsURL)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to NATS")
		}
		defer publisher.Close()
		if err := publisher.EnsureStream(ctx); err != nil {
			log.WithError(err).Fatal("failed to provision stream")
		}
		sink = publisher
		notifier = events.NewNotifier(publisher, 200*time.Millisecond, log)
		defer notifier.Close()
	} else {
		log.Warn("NATS_URL not set, events disabled")
	}

	processor := batch.NewProcessor(batch.DefaultConfig(), st, sink, notifier, blobs, log)
	deletions := deletion.NewMachine(st, notifier, log)
	orchestrator := syncpkg.NewOrchestrator(syncpkg.DefaultConfig(), st, processor, deletions, notifier, log)

	creds := auth.NewClient(envOr("AUTH_SERVER_URL", "http://localhost:3000"), os.Getenv("AUTH_API_KEY"))
	manager := syncpkg.NewManager(creds, orchestrator, adapterFactory(log), syncInterval(log), log)
	defer manager.StopAll()

	r := gin.Default()

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/")
	if jwksURL := os.Getenv("JWKS_URL"); jwksURL != "" {
		verifier, err := auth.NewJWTVerifier(jwksURL)
		if err != nil {
			log.WithError(err).Fatal("failed to create JWT verifier")
		}
		api.Use(authMiddleware(verifier))
	} else {
		log.Warn("JWKS_URL not set, API is unauthenticated")
	}

	api.POST("/syncs", func(c *gin.Context) {
		var req startSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		provider := mail.ProviderKind(req.Provider)
		switch provider {
		case mail.ProviderGoogle, mail.ProviderMicrosoft, mail.ProviderIMAP:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
			return
		}

		err := manager.StartSync(ctx, syncpkg.Request{
			TenantID:     req.TenantID,
			ConnectionID: req.ConnectionID,
			Provider:     provider,
			Email:        req.Email,
			Priority:     req.Priority,
		})
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"connectionId": req.ConnectionID})
	})

	api.DELETE("/syncs/:connectionId", func(c *gin.Context) {
		if err := manager.StopSync(c.Param("connectionId")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.GET("/syncs", func(c *gin.Context) {
		running := manager.RunningSyncs()
		if running == nil {
			running = []string{}
		}
		c.JSON(http.StatusOK, gin.H{"running": running})
	})

	api.GET("/syncs/:connectionId", func(c *gin.Context) {
		connectionID := c.Param("connectionId")

		state, err := st.LoadSyncState(c.Request.Context(), connectionID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		count, err := st.CountMessages(c.Request.Context(), connectionID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"connectionId": connectionID,
			"running":      manager.IsRunning(connectionID),
			"status":       state.Status,
			"cursor":       state.Cursor.Encode(),
			"lastError":    state.LastError,
			"retryCount":   state.RetryCount,
			"messageCount": count,
		})
	})

	srv := &http.Server{
		Addr:    ":" + envOr("PORT", "8080"),
		Handler: r,
	}

	go func() {
		log.WithField("addr", srv.Addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown failed")
	}
}

// adapterFactory maps a connection's provider to its adapter implementation.
func adapterFactory(log *logrus.Entry) syncpkg.AdapterFactory {
	return func(ctx context.Context, cred *auth.Credential, req syncpkg.Request) (syncpkg.Adapter, error) {
		switch req.Provider {
		case mail.ProviderGoogle:
			return gmail.New(ctx, cred, log)
		case mail.ProviderMicrosoft:
			return outlook.New(ctx, cred, req.Email, log)
		case mail.ProviderIMAP:
			return imapuid.New(cred, log)
		default:
			return nil, fmt.Errorf("unknown provider %s", req.Provider)
		}
	}
}

func authMiddleware(verifier *auth.JWTVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := verifier.UserFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		c.Set("user_id", user.ID)
		c.Set("user_email", user.Email)
		c.Next()
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func syncInterval(log *logrus.Entry) time.Duration {
	raw := os.Getenv("SYNC_INTERVAL")
	if raw == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.WithField("value", raw).Warn("invalid SYNC_INTERVAL, using default")
		return 30 * time.Second
	}
	return d
}
