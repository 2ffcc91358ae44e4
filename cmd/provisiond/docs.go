package main

// General API documentation for swaggo. Regenerate internal/httpapi/docs with
// `swag init -g cmd/provisiond/docs.go -o internal/httpapi/docs`.
//
// @title           provisiond API
// @version         1.0
// @description     HTTP API for detecting, installing and cancelling the local inference runtime stack.
//
// @contact.name   provisiond maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
