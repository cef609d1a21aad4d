// Package webui provides the embedded status page served by ive serve.
package webui

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static/*
var staticFS embed.FS

// StaticFS returns an http.FileSystem for the embedded static files.
func StaticFS() http.FileSystem {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		// the embed path is fixed at build time
		panic(err)
	}
	return http.FS(sub)
}
