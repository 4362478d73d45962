package handlers

import (
	"github.com/go-chi/chi/v5"
)

func RegisterPluginRoutes(r chi.Router) {
	r.Get("/plugins", ListPluginsHandler)
	r.Post("/plugins", LoadPluginHandler)
	r.Post("/plugins/scan", ScanPluginDirectoryHandler)
	r.Route("/plugins/{plugin_id}", func(subRouter chi.Router) {
		subRouter.Get("/", GetPluginHandler)
		subRouter.Post("/enable", EnablePluginHandler)
		subRouter.Post("/disable", DisablePluginHandler)
		subRouter.Delete("/", RemovePluginHandler)
	})
}
