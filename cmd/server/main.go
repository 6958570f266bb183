package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"chatify/internal/anonymous"
	"chatify/internal/chat"
	"chatify/internal/config"
	"chatify/internal/db"
	authmw "chatify/internal/middleware"
	"chatify/internal/presence"
	"chatify/internal/user"
	"chatify/pkg/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()

	database, err := db.NewDatabase(cfg.Database.DSN)
	if err != nil {
		logger.Fatal("Failed to connect to DB: %v", err)
	}
	defer database.Close()
	logger.Info("Connected to PostgreSQL")

	if err := database.AutoMigrate(); err != nil {
		logger.Fatal("Migration failed: %v", err)
	}
	logger.Info("Database schema initialized")

	// Presence registry and its optional cross-instance mirror.
	registry := presence.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if _, err := redisClient.Ping(ctx).Result(); err != nil {
			logger.Fatal("Failed to connect to Redis: %v", err)
		}
		logger.Info("Connected to Redis, presence bridge enabled")

		bridge := presence.NewBridge(redisClient, registry)
		registry.SetBridge(bridge)
		go bridge.Run(ctx)
	}

	// User feature (auth collaborator).
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWT.Secret, cfg.JWT.ExpiresIn)
	userHandler := user.NewHandler(userService)

	// Chat feature: stores, resolver/send service, REST handlers.
	chatStore := chat.NewSQLStore(database.Conn)
	chatService := chat.NewService(chatStore, registry)
	chatHandler := chat.NewHandler(chatService)

	// Anonymous matchmaker; disconnects double as implicit stops.
	matchmaker := anonymous.NewMatchmaker(registry)
	registry.OnUnregister(matchmaker.Disconnect)

	// Once a session announces its identity, subscribe it to the rooms of
	// its group conversations so conversation broadcasts reach it.
	wsHandler := presence.NewHandler(registry, matchmaker, func(sessionID string, userID int) {
		convs, err := chatService.ListConversations(context.Background(), userID)
		if err != nil {
			logger.Error("loading conversations for session %s: %v", sessionID, err)
			return
		}
		for _, conv := range convs {
			if conv.IsGroup {
				registry.Join(sessionID, presence.ConversationRoom(conv.ID))
			}
		}
	})

	authMiddleware := authmw.NewAuthMiddleware(userService)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public routes.
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Protected routes.
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)

		r.Get("/ws", wsHandler.ServeWs)

		r.Post("/api/conversations/direct", chatHandler.ResolveDirect)
		r.Post("/api/conversations/group", chatHandler.CreateGroup)
		r.Get("/api/conversations", chatHandler.ListConversations)
		r.Get("/api/conversations/{id}/messages", chatHandler.GetMessages)
		r.Post("/api/conversations/{id}/read", chatHandler.MarkRead)
		r.Post("/api/messages", chatHandler.SendMessage)
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("Server starting on %s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Server shutting down...")
	server.Shutdown(context.Background())
}
