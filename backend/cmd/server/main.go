// Copyright (C) 2025 JobTrail <dev@jobtrail.app>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jobtrail/e2ecore/backend/handlers"
	"github.com/jobtrail/e2ecore/backend/middleware"
	"github.com/jobtrail/e2ecore/backend/storage/postgres"
	redisstore "github.com/jobtrail/e2ecore/backend/storage/redis"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	dbURL := envOr("DATABASE_URL", "postgres://localhost/jobtrail?sslmode=disable")
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr: envOr("REDIS_URL", "localhost:6379"),
	})
	defer rdb.Close()

	store := postgres.NewStore(db)
	if err := store.Migrate(); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	pubsub := redisstore.NewPubSub(rdb)

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
	jwtIssuer := envOr("JWT_ISSUER", "jobtrail")

	keyHandler := handlers.NewKeyHandler(store, log)
	convHandler := handlers.NewConversationHandler(store, log)
	msgHandler := handlers.NewMessageHandler(store, pubsub, log)
	entityHandler := handlers.NewEntityHandler(store, log)
	profileHandler := handlers.NewProfileHandler(store, log)
	wsHandler := handlers.NewWSHandler(store, pubsub, log)

	authMiddleware := middleware.NewAuthMiddleware(jwtSecret, jwtIssuer)

	r := mux.NewRouter()
	r.Use(middleware.CORS(envOr("CORS_ORIGIN", "*")))

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(authMiddleware)

	// Public-key directory
	api.HandleFunc("/keys", keyHandler.PublishKey).Methods("POST")
	api.HandleFunc("/keys/{user_id}", keyHandler.GetKey).Methods("GET")

	// Profiles
	api.HandleFunc("/profiles", profileHandler.UpsertProfile).Methods("PUT")
	api.HandleFunc("/profiles/{user_id}", profileHandler.GetProfile).Methods("GET")

	// Conversations and membership
	api.HandleFunc("/conversations", convHandler.CreateConversation).Methods("POST")
	api.HandleFunc("/conversations/{conversation_id}", convHandler.GetConversation).Methods("GET")
	api.HandleFunc("/conversations/{conversation_id}/members", convHandler.AddMember).Methods("POST")
	api.HandleFunc("/conversations/{conversation_id}/members/{user_id}", convHandler.RemoveMember).Methods("DELETE")
	api.HandleFunc("/conversations/{conversation_id}/members/{user_id}/key_status", convHandler.SetKeyStatus).Methods("PUT")
	api.HandleFunc("/conversations/{conversation_id}/rotate", convHandler.RotateKey).Methods("POST")
	api.HandleFunc("/conversations/{conversation_id}/pending", convHandler.PendingMembers).Methods("GET")

	// Wrapped group keys
	api.HandleFunc("/conversations/{conversation_id}/keys", keyHandler.UploadWrappedKey).Methods("POST")
	api.HandleFunc("/conversations/{conversation_id}/keys/{version}", keyHandler.GetWrappedKey).Methods("GET")

	// Messages
	api.HandleFunc("/conversations/{conversation_id}/messages", msgHandler.SendMessage).Methods("POST")
	api.HandleFunc("/conversations/{conversation_id}/messages", msgHandler.History).Methods("GET")
	api.HandleFunc("/messages/{message_id}", msgHandler.EditMessage).Methods("PATCH")
	api.HandleFunc("/messages/{message_id}", msgHandler.DeleteMessage).Methods("DELETE")

	// Real-time stream
	api.HandleFunc("/conversations/{conversation_id}/stream", wsHandler.Stream).Methods("GET")

	// Tracked entity sync surface for the offline queue
	api.HandleFunc("/entities/{entity_id}", entityHandler.GetEntity).Methods("GET")
	api.HandleFunc("/entities/{entity_id}/version", entityHandler.GetVersion).Methods("GET")
	api.HandleFunc("/entities/{entity_id}", entityHandler.ApplyChange).Methods("PUT")

	// Health check (no auth required)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	srv := &http.Server{
		Addr:         ":" + envOr("PORT", "8081"),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket streams stay open
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("server starting", zap.String("addr", srv.Addr), zap.String("jwt_issuer", jwtIssuer))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown failed", zap.Error(err))
	}
}
