package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"rescue-chat/auth"
	"rescue-chat/ratelimit"
)

// RouterConfig carries everything the REST surface needs wired in.
// The websocket endpoint sits outside the /api group because it
// authenticates in-band, after the upgrade.
type RouterConfig struct {
	Handler     *Handler
	Tokens      *auth.TokenManager
	Socket      http.Handler
	API         *ratelimit.Limiter
	Messages    *ratelimit.Limiter
	Uploads     *ratelimit.Limiter
	UploadDir   string
	Connections interface{ ConnectionCount() int }
}

func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"connections": cfg.Connections.ConnectionCount(),
		})
	})

	r.Handle("/ws", cfg.Socket)
	r.Handle("/uploads/*", http.StripPrefix("/uploads/",
		http.FileServer(http.Dir(cfg.UploadDir))))

	r.Route("/api", func(r chi.Router) {
		r.Use(Authenticate(cfg.Tokens))
		r.Use(RateLimit(cfg.API, "api"))

		h := cfg.Handler
		r.Post("/chats", h.CreateChat)
		r.Get("/chats/{chatID}", h.GetChat)
		r.Patch("/chats/{chatID}/status", h.UpdateStatus)
		r.Delete("/chats/{chatID}", h.DeleteChat)

		r.Post("/chats/{chatID}/participants", h.AddParticipant)
		r.Delete("/chats/{chatID}/participants/{userID}", h.RemoveParticipant)

		r.Get("/chats/{chatID}/messages", h.GetMessages)
		r.With(RateLimit(cfg.Messages, "send_message")).
			Post("/chats/{chatID}/messages", h.SendMessage)
		r.Delete("/messages/{messageID}", h.DeleteMessage)
		r.Post("/messages/bulk-delete", h.BulkDeleteMessages)

		r.Post("/messages/{messageID}/read", h.MarkRead)
		r.Post("/chats/{chatID}/read", h.MarkAllRead)
		r.Get("/me/unread", h.UnreadCounts)

		r.Get("/rescues/{rescueID}/chats", h.ListChatsByRescue)
		r.Patch("/rescues/{rescueID}/chats/{chatID}/status", h.UpdateStatus)
		r.Get("/users/{userID}/chats", h.ListChatsByUser)

		r.With(RateLimit(cfg.Uploads, "upload")).
			Post("/uploads", h.Upload(cfg.UploadDir))
	})

	return r
}
