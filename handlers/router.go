package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func SetupRouter(app App) *chi.Mux {
	mux := chi.NewRouter()

	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(NewStructuredLogger(app.Logger()))
	mux.Use(middleware.Recoverer)

	mux.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(app.StaticDir()))))

	// Action handlers
	mux.Post("/post", MakeHandler(app, HandlePost))
	mux.Get("/api/captcha", MakeHandler(app, HandleNewChallenge))
	mux.Get("/api/{board}/page", MakeHandler(app, HandleBoardPage))
	mux.Get("/api/{board}/thread/{threadID}", MakeHandler(app, HandleThread))

	// Moderation handlers
	mux.Route("/mod", func(r chi.Router) {
		r.Use(RequireLAN)
		r.Post("/ban", MakeHandler(app, HandleBan))
		r.Post("/remove-ban", MakeHandler(app, HandleRemoveBan))
		r.Get("/bans", MakeHandler(app, HandleBanList))
		r.Post("/timeout", MakeHandler(app, HandleTimeout))
		r.Post("/remove-timeout", MakeHandler(app, HandleRemoveTimeout))
		r.Post("/ban-post", MakeHandler(app, HandleBanPost))
		r.Post("/toggle-lock", MakeHandler(app, HandleToggleLock))
		r.Post("/toggle-pin", MakeHandler(app, HandleTogglePin))
		r.Post("/delete-thread", MakeHandler(app, HandleDeleteThread))
		r.Post("/delete-reply", MakeHandler(app, HandleDeleteReply))
		r.Post("/create-board", MakeHandler(app, HandleCreateBoard))
		r.Post("/delete-board", MakeHandler(app, HandleDeleteBoard))
		r.Post("/backup-db", MakeHandler(app, HandleDatabaseBackup))
	})

	return mux
}
