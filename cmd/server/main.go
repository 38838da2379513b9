package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"gitlab.com/secp/services/messenger/internal/audit"
	"gitlab.com/secp/services/messenger/internal/auth"
	"gitlab.com/secp/services/messenger/internal/cipher"
	"gitlab.com/secp/services/messenger/internal/db"
	"gitlab.com/secp/services/messenger/internal/directory"
	"gitlab.com/secp/services/messenger/internal/messaging"
	"gitlab.com/secp/services/messenger/internal/models"
	"gitlab.com/secp/services/messenger/internal/ratelimit"
	"gitlab.com/secp/services/messenger/internal/realtime"
)

type Server struct {
	db               *db.DB
	authService      *auth.Service
	messagingService *messaging.Service
	directoryService *directory.Service
	cipherService    *cipher.Service
	auditLogger      *audit.Logger
	rateLimiter      *ratelimit.Limiter
	gateway          *realtime.Gateway
}

func main() {
	log.Println("[Server] Starting messenger backend...")

	cfg, err := db.ConfigFromEnv()
	if err != nil {
		log.Fatalf("[Server] Invalid configuration: %v", err)
	}

	database, err := db.NewDB(cfg)
	if err != nil {
		log.Fatalf("[Server] Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := database.RunMigrations("migrations"); err != nil {
		log.Fatalf("[Server] Failed to run migrations: %v", err)
	}

	auditLogger := audit.NewLogger(database.Postgres)

	server := &Server{
		db:               database,
		authService:      auth.NewService(database.Postgres),
		messagingService: messaging.NewService(database.Postgres, database.Redis),
		directoryService: directory.NewService(database.Postgres),
		cipherService:    cipher.NewService(database.Postgres, auditLogger),
		auditLogger:      auditLogger,
		rateLimiter:      ratelimit.NewLimiter(database.Redis),
	}
	server.gateway = realtime.NewGateway(server.messagingService)

	// Background audit archival to object storage
	archiverCtx, stopArchiver := context.WithCancel(context.Background())
	defer stopArchiver()
	archiver, err := audit.NewArchiver(auditLogger)
	if err != nil {
		log.Printf("[WARN] Failed to initialize audit archiver: %v (archival disabled)", err)
	} else {
		go archiver.Run(archiverCtx, time.Hour)
	}

	router := server.setupRouter()

	httpServer := &http.Server{
		Addr:         ":" + getEnvOrDefault("PORT", "8080"),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("[Server] HTTP server listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Server] Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[Server] Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("[Server] Server forced to shutdown: %v", err)
	}

	log.Println("[Server] Server exited gracefully")
}

func (s *Server) setupRouter() *mux.Router {
	router := mux.NewRouter()

	router.Use(corsMiddleware)

	router.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Health check
	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Auth routes
	router.HandleFunc("/api/auth/signup", s.handleSignup).Methods("POST")
	router.HandleFunc("/api/auth/signin", s.handleSignin).Methods("POST")

	// User routes (protected)
	router.HandleFunc("/api/users/me", s.authMiddleware(s.handleGetCurrentUser)).Methods("GET")
	router.HandleFunc("/api/users/{id}", s.authMiddleware(s.handleGetUser)).Methods("GET")

	// Public key directory (protected)
	router.HandleFunc("/api/keys/{user_id}", s.authMiddleware(s.handleGetPublicKey)).Methods("GET")
	router.HandleFunc("/api/keys/{user_id}", s.authMiddleware(s.handleUploadPublicKey)).Methods("POST")
	router.HandleFunc("/api/keys/{user_id}/register", s.authMiddleware(s.handleRegisterPublicKey)).Methods("POST")

	// Server-side session cipher (protected)
	router.HandleFunc("/api/functions/cipher", s.authMiddleware(s.handleCipher)).Methods("POST")

	// Messaging routes (protected)
	router.HandleFunc("/api/conversations", s.authMiddleware(s.handleCreateConversation)).Methods("POST")
	router.HandleFunc("/api/conversations", s.authMiddleware(s.handleGetConversations)).Methods("GET")
	router.HandleFunc("/api/conversations/{id}/participants", s.authMiddleware(s.handleGetParticipants)).Methods("GET")
	router.HandleFunc("/api/conversations/{id}/messages", s.authMiddleware(s.handleGetMessages)).Methods("GET")
	router.HandleFunc("/api/conversations/{id}/messages", s.authMiddleware(s.handleSendMessage)).Methods("POST")
	router.HandleFunc("/api/conversations/{id}/read", s.authMiddleware(s.handleUpdateLastRead)).Methods("POST")
	router.HandleFunc("/api/messages/{id}", s.authMiddleware(s.handleGetMessage)).Methods("GET")

	// Realtime events WebSocket (protected)
	router.HandleFunc("/api/conversations/{id}/events", s.authMiddleware(s.handleConversationEvents)).Methods("GET")

	// Presence (protected)
	router.HandleFunc("/api/presence", s.authMiddleware(s.handleSetPresence)).Methods("POST")
	router.HandleFunc("/api/presence/{user_id}", s.authMiddleware(s.handleGetPresence)).Methods("GET")

	return router
}

// Middleware

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		// Extract token (format: "Bearer <token>")
		token := authHeader
		if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
			token = authHeader[7:]
		}

		userID, err := s.authService.ValidateSessionToken(token)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), "userID", userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// isParticipant reports whether the user belongs to the conversation
func (s *Server) isParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	participants, err := s.messagingService.GetParticipants(ctx, conversationID)
	if err != nil {
		return false, err
	}
	for _, p := range participants {
		if p.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.db.Health(ctx); err != nil {
		http.Error(w, "Database unhealthy", http.StatusServiceUnavailable)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Auth Handlers

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	user, err := s.authService.CreateUser(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create user: %v", err), http.StatusInternalServerError)
		return
	}

	token, err := s.authService.GenerateSessionToken(user.ID)
	if err != nil {
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"user":  user,
		"token": token,
	})
}

func (s *Server) handleSignin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	user, err := s.authService.AuthenticateUser(r.Context(), req.Username, req.Password)
	if err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := s.authService.GenerateSessionToken(user.ID)
	if err != nil {
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"user":  user,
		"token": token,
	})
}

func (s *Server) handleGetCurrentUser(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(uuid.UUID)

	user, err := s.authService.GetUserByID(r.Context(), userID)
	if err != nil {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"user": user,
	})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID, err := uuid.Parse(vars["id"])
	if err != nil {
		http.Error(w, "Invalid user ID", http.StatusBadRequest)
		return
	}

	user, err := s.authService.GetUserByID(r.Context(), userID)
	if err != nil {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}

	json.NewEncoder(w).Encode(user)
}

// Key Directory Handlers

func (s *Server) handleGetPublicKey(w http.ResponseWriter, r *http.Request) {
	requesterID := r.Context().Value("userID").(uuid.UUID)
	vars := mux.Vars(r)
	targetID, err := uuid.Parse(vars["user_id"])
	if err != nil {
		http.Error(w, "Invalid user ID", http.StatusBadRequest)
		return
	}

	if err := s.rateLimiter.CheckKeyFetch(r.Context(), requesterID.String(), targetID.String(), clientIP(r)); err != nil {
		if errors.Is(err, ratelimit.ErrTargetedHarvest) {
			http.Error(w, "Too many requests for this user's key", http.StatusTooManyRequests)
		} else {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		}
		return
	}

	publicKey, err := s.directoryService.Fetch(r.Context(), targetID)
	if err != nil {
		if errors.Is(err, directory.ErrNoPublicKey) {
			http.Error(w, "No public key found", http.StatusNotFound)
		} else {
			http.Error(w, fmt.Sprintf("Failed to fetch key: %v", err), http.StatusInternalServerError)
		}
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"public_key": publicKey,
	})
}

func (s *Server) handleUploadPublicKey(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(uuid.UUID)
	vars := mux.Vars(r)
	targetID, err := uuid.Parse(vars["user_id"])
	if err != nil {
		http.Error(w, "Invalid user ID", http.StatusBadRequest)
		return
	}

	// A user can only publish their own key
	if targetID != userID {
		http.Error(w, "Cannot upload a key for another user", http.StatusForbidden)
		return
	}

	var req struct {
		PublicKey []byte `json:"public_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if len(req.PublicKey) == 0 {
		http.Error(w, "public_key is required", http.StatusBadRequest)
		return
	}

	if err := s.directoryService.Upload(r.Context(), userID, req.PublicKey); err != nil {
		http.Error(w, fmt.Sprintf("Failed to store key: %v", err), http.StatusInternalServerError)
		return
	}

	s.auditLogger.Log(r.Context(), audit.Record{
		UserID:    userID,
		EventType: "public_key_uploaded",
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})

	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleRegisterPublicKey publishes a key only when the directory has none,
// returning whichever key is actually in the directory. A second device
// registering concurrently adopts the first device's key.
func (s *Server) handleRegisterPublicKey(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(uuid.UUID)
	vars := mux.Vars(r)
	targetID, err := uuid.Parse(vars["user_id"])
	if err != nil {
		http.Error(w, "Invalid user ID", http.StatusBadRequest)
		return
	}
	if targetID != userID {
		http.Error(w, "Cannot register a key for another user", http.StatusForbidden)
		return
	}

	var req struct {
		PublicKey []byte `json:"public_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if len(req.PublicKey) == 0 {
		http.Error(w, "public_key is required", http.StatusBadRequest)
		return
	}

	registered, err := s.directoryService.RegisterIfAbsent(r.Context(), userID, req.PublicKey)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to register key: %v", err), http.StatusInternalServerError)
		return
	}

	s.auditLogger.Log(r.Context(), audit.Record{
		UserID:    userID,
		EventType: "public_key_registered",
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})

	json.NewEncoder(w).Encode(map[string]interface{}{
		"public_key": registered,
	})
}

// Session Cipher Handler

func (s *Server) handleCipher(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(uuid.UUID)

	var req models.CipherRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	switch req.Action {
	case "encrypt":
		plaintext, err := base64.StdEncoding.DecodeString(req.Plaintext)
		if err != nil {
			http.Error(w, "Invalid base64 plaintext", http.StatusBadRequest)
			return
		}

		ciphertext, iv, err := s.cipherService.Encrypt(r.Context(), userID, req.ConversationID, plaintext)
		if err != nil {
			s.writeCipherError(w, err)
			return
		}

		json.NewEncoder(w).Encode(models.CipherResponse{
			Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
			IV:         base64.StdEncoding.EncodeToString(iv),
		})

	case "decrypt":
		ciphertext, err := base64.StdEncoding.DecodeString(req.Ciphertext)
		if err != nil {
			http.Error(w, "Invalid base64 ciphertext", http.StatusBadRequest)
			return
		}
		iv, err := base64.StdEncoding.DecodeString(req.IV)
		if err != nil {
			http.Error(w, "Invalid base64 IV", http.StatusBadRequest)
			return
		}

		plaintext, err := s.cipherService.Decrypt(r.Context(), userID, req.ConversationID, ciphertext, iv)
		if err != nil {
			s.writeCipherError(w, err)
			return
		}

		json.NewEncoder(w).Encode(models.CipherResponse{
			Plaintext: base64.StdEncoding.EncodeToString(plaintext),
		})

	default:
		http.Error(w, fmt.Sprintf("Unknown action: %q", req.Action), http.StatusBadRequest)
	}
}

func (s *Server) writeCipherError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cipher.ErrUnauthorized):
		http.Error(w, "Not a participant of this conversation", http.StatusForbidden)
	case errors.Is(err, cipher.ErrNoSessionKey):
		http.Error(w, "Conversation has no session key", http.StatusNotFound)
	default:
		http.Error(w, fmt.Sprintf("Cipher operation failed: %v", err), http.StatusInternalServerError)
	}
}

// Messaging Handlers

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(uuid.UUID)

	var req struct {
		Type         string   `json:"type"` // direct, group
		Name         string   `json:"name"`
		Participants []string `json:"participants"` // User IDs to add
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	// Direct conversations are deduplicated per user pair
	if req.Type == "direct" && len(req.Participants) == 1 {
		otherID, err := uuid.Parse(req.Participants[0])
		if err != nil {
			http.Error(w, "Invalid participant ID", http.StatusBadRequest)
			return
		}

		conv, err := s.messagingService.GetDirectConversation(r.Context(), userID, otherID)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to look up conversation: %v", err), http.StatusInternalServerError)
			return
		}
		if conv == nil {
			conv, err = s.messagingService.CreateDirectConversation(r.Context(), userID, otherID)
			if err != nil {
				http.Error(w, fmt.Sprintf("Failed to create conversation: %v", err), http.StatusInternalServerError)
				return
			}
		}

		json.NewEncoder(w).Encode(conv)
		return
	}

	conv, err := s.messagingService.CreateConversation(r.Context(), req.Type, req.Name, userID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create conversation: %v", err), http.StatusInternalServerError)
		return
	}

	for _, pIDStr := range req.Participants {
		pID, err := uuid.Parse(pIDStr)
		if err != nil {
			continue
		}
		s.messagingService.AddParticipant(r.Context(), conv.ID, pID, "member")
	}

	json.NewEncoder(w).Encode(conv)
}

func (s *Server) handleGetConversations(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(uuid.UUID)

	conversations, err := s.messagingService.GetUserConversations(r.Context(), userID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get conversations: %v", err), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(conversations)
}

func (s *Server) handleGetParticipants(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(uuid.UUID)
	vars := mux.Vars(r)
	convID, err := uuid.Parse(vars["id"])
	if err != nil {
		http.Error(w, "Invalid conversation ID", http.StatusBadRequest)
		return
	}

	ok, err := s.isParticipant(r.Context(), convID, userID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get participants: %v", err), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "Not a participant of this conversation", http.StatusForbidden)
		return
	}

	participants, err := s.messagingService.GetParticipants(r.Context(), convID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get participants: %v", err), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(participants)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(uuid.UUID)
	vars := mux.Vars(r)
	convID, err := uuid.Parse(vars["id"])
	if err != nil {
		http.Error(w, "Invalid conversation ID", http.StatusBadRequest)
		return
	}

	ok, err := s.isParticipant(r.Context(), convID, userID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get messages: %v", err), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "Not a participant of this conversation", http.StatusForbidden)
		return
	}

	messages, err := s.messagingService.GetMessages(r.Context(), convID, 200, 0)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get messages: %v", err), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(messages)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(uuid.UUID)
	vars := mux.Vars(r)
	convID, err := uuid.Parse(vars["id"])
	if err != nil {
		http.Error(w, "Invalid conversation ID", http.StatusBadRequest)
		return
	}

	ok, err := s.isParticipant(r.Context(), convID, userID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to send message: %v", err), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "Not a participant of this conversation", http.StatusForbidden)
		return
	}

	var req struct {
		ContentEncrypted []byte `json:"content_encrypted"`
		IV               string `json:"iv"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if len(req.ContentEncrypted) == 0 || req.IV == "" {
		http.Error(w, "content_encrypted and iv are required", http.StatusBadRequest)
		return
	}

	message, err := s.messagingService.CreateMessage(r.Context(), convID, userID, req.ContentEncrypted, req.IV)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to send message: %v", err), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(message)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(uuid.UUID)
	vars := mux.Vars(r)
	msgID, err := uuid.Parse(vars["id"])
	if err != nil {
		http.Error(w, "Invalid message ID", http.StatusBadRequest)
		return
	}

	message, err := s.messagingService.GetMessage(r.Context(), msgID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get message: %v", err), http.StatusInternalServerError)
		return
	}
	if message == nil {
		http.Error(w, "Message not found", http.StatusNotFound)
		return
	}

	ok, err := s.isParticipant(r.Context(), message.ConversationID, userID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get message: %v", err), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "Not a participant of this conversation", http.StatusForbidden)
		return
	}

	json.NewEncoder(w).Encode(message)
}

func (s *Server) handleUpdateLastRead(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(uuid.UUID)
	vars := mux.Vars(r)
	convID, err := uuid.Parse(vars["id"])
	if err != nil {
		http.Error(w, "Invalid conversation ID", http.StatusBadRequest)
		return
	}

	if err := s.messagingService.UpdateLastRead(r.Context(), convID, userID); err != nil {
		http.Error(w, fmt.Sprintf("Failed to update read marker: %v", err), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Realtime Handler

func (s *Server) handleConversationEvents(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(uuid.UUID)
	vars := mux.Vars(r)
	convID, err := uuid.Parse(vars["id"])
	if err != nil {
		http.Error(w, "Invalid conversation ID", http.StatusBadRequest)
		return
	}

	ok, err := s.isParticipant(r.Context(), convID, userID)
	if err != nil {
		http.Error(w, "Failed to verify participant", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "Not a participant of this conversation", http.StatusForbidden)
		return
	}

	s.gateway.ServeConversation(w, r, convID)
}

// Presence Handlers

func (s *Server) handleSetPresence(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(uuid.UUID)

	var req struct {
		Status string `json:"status"` // online, offline, away
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if err := s.messagingService.SetPresence(r.Context(), userID, req.Status); err != nil {
		http.Error(w, fmt.Sprintf("Failed to set presence: %v", err), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	targetID, err := uuid.Parse(vars["user_id"])
	if err != nil {
		http.Error(w, "Invalid user ID", http.StatusBadRequest)
		return
	}

	presence, err := s.messagingService.GetPresence(r.Context(), targetID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get presence: %v", err), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(presence)
}

// Helper functions

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
