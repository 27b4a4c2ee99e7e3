package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/commune-app/commune/internal/auth"
	"github.com/commune-app/commune/internal/chat"
	"github.com/commune-app/commune/internal/db"
	"github.com/commune-app/commune/internal/handlers"
	"github.com/commune-app/commune/internal/notify"
	"github.com/commune-app/commune/internal/store"
	"github.com/commune-app/commune/internal/ws"
	"github.com/commune-app/commune/pkg/config"
)

func rateLimitMiddleware(limiterInstance *limiter.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		limiterContext, err := limiterInstance.Get(c.Request.Context(), c.ClientIP())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "rate limiter error"})
			c.Abort()
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limiterContext.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", limiterContext.Remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", limiterContext.Reset))

		if limiterContext.Reached {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}

		c.Next()
	}
}

type responseBodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w responseBodyWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w responseBodyWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

func serverErrorLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		blw := &responseBodyWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Printf(
				"HTTP %d %s %s ip=%s duration=%s errors=%q response=%q",
				c.Writer.Status(),
				c.Request.Method,
				c.Request.URL.Path,
				c.ClientIP(),
				time.Since(start).Truncate(time.Millisecond),
				c.Errors.ByType(gin.ErrorTypeAny).String(),
				strings.TrimSpace(blw.body.String()),
			)
		}
	}
}

func panicRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Printf(
			"panic recovered method=%s path=%s ip=%s error=%v\n%s",
			c.Request.Method,
			c.Request.URL.Path,
			c.ClientIP(),
			recovered,
			debug.Stack(),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	})
}

func corsMiddleware(origins string) gin.HandlerFunc {
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	if origins == "" || origins == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = strings.Split(origins, ",")
		corsCfg.AllowCredentials = true
	}
	return cors.New(corsCfg)
}

func main() {
	cfg := config.Load()

	if len(os.Args) > 1 {
		if err := runCommand(cfg, os.Args[1:]); err != nil {
			log.Fatalf("%v", err)
		}
		return
	}

	if err := runServer(cfg); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func runCommand(cfg *config.Config, args []string) error {
	command := args[0]

	switch command {
	case "status":
		return runStatus(cfg, os.Stdout, args[1:])
	case "prune":
		return runPrune(cfg, os.Stdout, args[1:])
	case "-h", "--help", "help":
		printUsage(os.Stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(out *os.File) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  commune           Start the API server")
	fmt.Fprintln(out, "  commune status    Show application statistics")
	fmt.Fprintln(out, "  commune status --json")
	fmt.Fprintln(out, "  commune prune     Remove soft-deleted rows older than 30 days")
	fmt.Fprintln(out, "  commune prune --older-than 7 --dry-run")
}

func runServer(cfg *config.Config) error {
	// Ensure data directories exist
	os.MkdirAll(cfg.FileStoragePath, 0755)

	// Initialize database
	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()
	conn := database.GetConn()

	// Initialize services
	authSvc := auth.New(conn, cfg.JWTSecret)
	registry := ws.NewRegistry()
	st := store.New(conn)
	push := notify.NewWebPush(conn, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey)
	notifySvc := notify.New(conn, registry, push)
	chatSvc := chat.New(st, registry, notifySvc)

	hub := ws.NewHub(conn, registry, chatSvc, st, notifySvc)
	go hub.Run()

	// Initialize handlers
	files := handlers.NewFileStore(cfg.FileStoragePath, cfg.MaxUploadSize)
	authHandler := handlers.NewAuthHandler(authSvc)
	msgHandler := handlers.NewMessageHandler(conn, st, chatSvc, registry, notifySvc, files)
	userHandler := handlers.NewUserHandler(conn, registry, files)
	friendHandler := handlers.NewFriendHandler(conn, registry, notifySvc)
	postHandler := handlers.NewPostHandler(conn, notifySvc)
	notifHandler := handlers.NewNotificationHandler(notifySvc, cfg.VAPIDPublicKey)
	uploadHandler := handlers.NewUploadHandler(files)

	// Setup router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(serverErrorLogger())
	router.Use(gin.Logger())
	router.Use(panicRecovery())
	router.Use(corsMiddleware(cfg.CORSOrigins))
	router.MaxMultipartMemory = cfg.MaxUploadSize

	apiLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 300})

	// Public endpoints
	api := router.Group("/api")
	api.Use(rateLimitMiddleware(apiLimiter))
	{
		loginLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 5})
		registerLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 2})

		api.POST("/auth/register", rateLimitMiddleware(registerLimiter), authHandler.Register)
		api.POST("/auth/login", rateLimitMiddleware(loginLimiter), authHandler.Login)

		api.GET("/users/:username", userHandler.GetUserProfile)
	}

	// Protected endpoints
	protected := api.Group("")
	protected.Use(authHandler.AuthMiddleware())
	{
		// Conversations and messages
		protected.POST("/messages/conversations", msgHandler.CreateConversation)
		protected.GET("/messages/conversations", msgHandler.GetConversations)
		protected.GET("/messages/conversations/:id", msgHandler.GetConversationMessages)
		protected.POST("/messages/conversations/:id", msgHandler.SendMessage)
		protected.POST("/messages/conversations/:id/read", msgHandler.MarkConversationRead)
		protected.POST("/messages/conversations/:id/leave", msgHandler.LeaveConversation)
		protected.GET("/messages/unread", msgHandler.GetUnreadCounts)
		protected.DELETE("/messages/:id", msgHandler.DeleteMessage)

		// Users and profile
		protected.GET("/users", userHandler.GetUsers)
		protected.GET("/profile", userHandler.GetMyProfile)
		protected.PUT("/profile", userHandler.UpdateProfile)
		protected.POST("/profile/avatar", userHandler.UploadAvatar)
		protected.DELETE("/profile", userHandler.DeleteAccount)

		// Friends
		protected.POST("/friends/requests", friendHandler.SendRequest)
		protected.GET("/friends/requests", friendHandler.Pending)
		protected.GET("/friends/requests/sent", friendHandler.Sent)
		protected.PUT("/friends/requests/:id", friendHandler.Respond)
		protected.GET("/friends", friendHandler.List)
		protected.POST("/friends/:id/block", friendHandler.Block)
		protected.DELETE("/friends/:id", friendHandler.Remove)

		// Notifications
		protected.GET("/notifications", notifHandler.List)
		protected.GET("/notifications/unread", notifHandler.UnreadCount)
		protected.PUT("/notifications/read", notifHandler.MarkRead)
		protected.DELETE("/notifications", notifHandler.Delete)
		protected.GET("/notifications/preferences", notifHandler.GetPreferences)
		protected.PUT("/notifications/preferences", notifHandler.UpdatePreferences)
		protected.GET("/notifications/vapid-key", notifHandler.VAPIDKey)
		protected.POST("/notifications/subscribe", notifHandler.Subscribe)
		protected.POST("/notifications/unsubscribe", notifHandler.Unsubscribe)

		// Posts and comments
		protected.POST("/posts", postHandler.CreatePost)
		protected.GET("/posts", postHandler.GetFeed)
		protected.GET("/posts/:id", postHandler.GetPost)
		protected.PUT("/posts/:id", postHandler.UpdatePost)
		protected.DELETE("/posts/:id", postHandler.DeletePost)
		protected.POST("/posts/:id/comments", postHandler.CreateComment)
		protected.GET("/posts/:id/comments", postHandler.GetComments)
		protected.DELETE("/posts/:id/comments/:commentID", postHandler.DeleteComment)
		protected.GET("/users/:username/posts", postHandler.GetUserPosts)

		// Uploads
		protected.POST("/upload", uploadHandler.Upload)
	}

	// Serve uploaded files from configured storage path
	router.Static("/api/files", cfg.FileStoragePath)

	// WebSocket endpoint
	router.GET("/ws", authHandler.AuthMiddleware(), hub.HandleWebSocket)

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	addr := fmt.Sprintf("0.0.0.0:%s", cfg.Port)
	log.Printf("Starting server on %s", addr)

	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Graceful shutdown on SIGINT/SIGTERM
	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-sigint:
		log.Println("Shutting down gracefully...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}
