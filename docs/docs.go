// Package docs registers the OpenAPI description served under /swagger.
// Regenerate with `swag init -g cmd/api/main.go` after changing handler annotations.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "security": [{"BearerAuth": []}],
    "paths": {
        "/matches/bot": {
            "post": {
                "tags": ["matches"],
                "summary": "Play a bot 1v1",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/matchmaking.BotMatchRequest"}}],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "422": {"description": "Unprocessable Entity", "schema": {"$ref": "#/definitions/response.APIResponse"}}
                }
            }
        },
        "/matches/bot-squad": {
            "post": {
                "tags": ["matches"],
                "summary": "Play a bot squad battle",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/matchmaking.BotSquadRequest"}}],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "422": {"description": "Unprocessable Entity", "schema": {"$ref": "#/definitions/response.APIResponse"}}
                }
            }
        },
        "/matches/find": {
            "post": {
                "tags": ["matches"],
                "summary": "Find human opponents",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/matchmaking.FindOpponentRequest"}}],
                "responses": {
                    "200": {"description": "Matched", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "202": {"description": "Pending", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "422": {"description": "Unprocessable Entity", "schema": {"$ref": "#/definitions/response.APIResponse"}}
                }
            }
        },
        "/matches/queue/{id}": {
            "get": {
                "tags": ["matches"],
                "summary": "Get queue entry status",
                "produces": ["application/json"],
                "parameters": [{"in": "path", "name": "id", "type": "integer", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/response.APIResponse"}}
                }
            },
            "delete": {
                "tags": ["matches"],
                "summary": "Leave the queue",
                "produces": ["application/json"],
                "parameters": [{"in": "path", "name": "id", "type": "integer", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/response.APIResponse"}}
                }
            }
        },
        "/matches/queue/{id}/await": {
            "get": {
                "tags": ["matches"],
                "summary": "Wait for a queue entry to resolve",
                "produces": ["application/json"],
                "parameters": [
                    {"in": "path", "name": "id", "type": "integer", "required": true},
                    {"in": "query", "name": "timeout", "type": "integer", "default": 30}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/response.APIResponse"}}
                }
            }
        },
        "/matches/teams/{id}/complete": {
            "post": {
                "tags": ["matches"],
                "summary": "Complete a match",
                "produces": ["application/json"],
                "parameters": [{"in": "path", "name": "id", "type": "integer", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/response.APIResponse"}}
                }
            }
        },
        "/matches/{matchId}": {
            "get": {
                "tags": ["matches"],
                "summary": "Get match",
                "produces": ["application/json"],
                "parameters": [{"in": "path", "name": "matchId", "type": "string", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/response.APIResponse"}}
                }
            }
        },
        "/teams/{id}": {
            "get": {
                "tags": ["teams"],
                "summary": "Get team",
                "produces": ["application/json"],
                "parameters": [{"in": "path", "name": "id", "type": "integer", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/response.APIResponse"}}
                }
            }
        },
        "/teams/{id}/members": {
            "get": {
                "tags": ["teams"],
                "summary": "Get team members",
                "produces": ["application/json"],
                "parameters": [{"in": "path", "name": "id", "type": "integer", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/response.APIResponse"}}
                }
            }
        },
        "/bots": {
            "get": {
                "tags": ["bots"],
                "summary": "List bots",
                "produces": ["application/json"],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/response.APIResponse"}}
                }
            },
            "post": {
                "tags": ["bots"],
                "summary": "Add a bot",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/bot.CreateBotRequest"}}],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/response.APIResponse"}}
                }
            }
        },
        "/notifications/stream": {
            "get": {
                "tags": ["notifications"],
                "summary": "Stream change triggers",
                "produces": ["text/event-stream"],
                "parameters": [{"in": "query", "name": "topic", "type": "string", "required": true}],
                "responses": {
                    "200": {"description": "Event stream"},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/response.APIResponse"}}
                }
            }
        }
    },
    "definitions": {
        "bot.CreateBotRequest": {
            "type": "object",
            "required": ["handle"],
            "properties": {"handle": {"type": "string"}}
        },
        "matchmaking.BotMatchRequest": {
            "type": "object",
            "required": ["activity_id"],
            "properties": {"activity_id": {"type": "string"}}
        },
        "matchmaking.BotSquadRequest": {
            "type": "object",
            "required": ["activity_id", "squad_size"],
            "properties": {
                "activity_id": {"type": "string"},
                "squad_size": {"type": "integer", "minimum": 1}
            }
        },
        "matchmaking.FindOpponentRequest": {
            "type": "object",
            "required": ["activity_id"],
            "properties": {
                "activity_id": {"type": "string"},
                "squad_size": {"type": "integer"},
                "timeout_seconds": {"type": "integer"}
            }
        },
        "response.APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"}
            }
        },
        "response.APIResponse": {
            "type": "object",
            "properties": {
                "success": {"type": "boolean"},
                "data": {},
                "error": {"$ref": "#/definitions/response.APIError"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "QuestArena Matchmaking API",
	Description:      "Bot matches, human queues and team formation for quiz battles.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
