// Package docs holds the swagger description of the provisiond HTTP API.
// Regenerate with swag init after changing handler annotations.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {
            "name": "provisiond maintainers"
        },
        "license": {
            "name": "MIT",
            "url": "https://opensource.org/licenses/MIT"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/environment": {
            "get": {
                "produces": ["application/json"],
                "tags": ["environment"],
                "summary": "Current environment snapshot",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.EnvironmentSnapshot"}}
                }
            }
        },
        "/environment/check": {
            "post": {
                "produces": ["application/json"],
                "tags": ["environment"],
                "summary": "Probe every dependency in order",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.EnvironmentSnapshot"}}
                }
            }
        },
        "/events": {
            "get": {
                "description": "NDJSON stream. Starts with the current snapshot, then carries every snapshot change and progress step.",
                "produces": ["application/x-ndjson"],
                "tags": ["environment"],
                "summary": "Stream environment notifications",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.Notification"}}
                }
            }
        },
        "/dependencies/{kind}/install": {
            "post": {
                "description": "Streams NDJSON progress events. The last event carries the outcome. Disconnecting does not stop the install.",
                "produces": ["application/x-ndjson"],
                "tags": ["dependencies"],
                "summary": "Install a dependency",
                "parameters": [
                    {"type": "string", "description": "interpreter, package or model", "name": "kind", "in": "path", "required": true},
                    {"type": "boolean", "description": "cancel a running install first", "name": "restart", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ProgressEvent"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/dependencies/{kind}/cancel": {
            "post": {
                "produces": ["application/json"],
                "tags": ["dependencies"],
                "summary": "Cancel a running install",
                "parameters": [
                    {"type": "string", "description": "interpreter, package or model", "name": "kind", "in": "path", "required": true}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/types.CancelResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/dependencies/{kind}/uninstall": {
            "post": {
                "produces": ["application/json"],
                "tags": ["dependencies"],
                "summary": "Uninstall the package or the model",
                "parameters": [
                    {"type": "string", "description": "package or model", "name": "kind", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.EnvironmentSnapshot"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "types.EnvironmentSnapshot": {
            "type": "object",
            "properties": {
                "interpreter": {"type": "string", "example": "installed"},
                "package": {"type": "string", "example": "missing"},
                "model": {"type": "string", "example": "unknown"},
                "ready": {"type": "boolean", "example": false},
                "check_ignored": {"type": "boolean", "example": false},
                "progress": {"type": "object", "additionalProperties": {"type": "integer"}},
                "taken_at": {"type": "string"}
            }
        },
        "types.ProgressEvent": {
            "type": "object",
            "properties": {
                "kind": {"type": "string", "example": "package"},
                "session": {"type": "string"},
                "progress": {"type": "integer", "example": 42},
                "phase": {"type": "string", "example": "installing"},
                "message": {"type": "string"},
                "bytes": {"type": "integer"},
                "total_bytes": {"type": "integer"},
                "outcome": {"type": "string", "example": "installed"},
                "reason": {"type": "string"},
                "remediation": {"type": "string"},
                "retryable": {"type": "boolean"},
                "class": {"type": "string"},
                "time": {"type": "string"}
            }
        },
        "types.Notification": {
            "type": "object",
            "properties": {
                "type": {"type": "string", "example": "snapshot"},
                "snapshot": {"$ref": "#/definitions/types.EnvironmentSnapshot"},
                "progress": {"$ref": "#/definitions/types.ProgressEvent"}
            }
        },
        "types.CancelResponse": {
            "type": "object",
            "properties": {
                "kind": {"type": "string", "example": "package"},
                "accepted": {"type": "boolean", "example": true}
            }
        },
        "types.ErrorResponse": {
            "type": "object",
            "properties": {
                "error": {"type": "string", "example": "install already in progress"},
                "code": {"type": "integer", "example": 409}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "provisiond API",
	Description:      "HTTP API for detecting, installing and cancelling the local inference runtime stack.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
