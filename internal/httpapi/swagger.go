package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"

	// registers the API description with swag
	_ "provisiond/internal/httpapi/docs"
)

// MountSwagger serves the interactive API docs at /swagger/ unless disabled
// with SetSwaggerEnabled(false).
func MountSwagger(r chi.Router) {
	if !swaggerEnabled {
		return
	}
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}
