package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Student Records API",
        "description": "Student record management with audit history",
        "version": "1.0.0"
    },
    "basePath": "/api",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Authentication", "description": "Login, registration and sessions"},
        {"name": "Students", "description": "Student records, history and statistics"}
    ],
    "paths": {
        "/auth/login": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Authenticate user",
                "responses": {
                    "200": {"description": "Tokens issued"},
                    "401": {"description": "Invalid credentials"}
                }
            }
        },
        "/auth/register": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Register a new user account",
                "responses": {
                    "201": {"description": "Account created"},
                    "409": {"description": "Username already exists"}
                }
            }
        },
        "/auth/refresh": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Refresh access token",
                "responses": {
                    "200": {"description": "Tokens refreshed"},
                    "401": {"description": "Invalid refresh token"}
                }
            }
        },
        "/auth/profile": {
            "get": {
                "tags": ["Authentication"],
                "summary": "Current user profile",
                "responses": {
                    "200": {"description": "Profile"},
                    "401": {"description": "Unauthorized"}
                }
            }
        },
        "/students": {
            "get": {
                "tags": ["Students"],
                "summary": "List students with history",
                "parameters": [
                    {"name": "search", "in": "query", "type": "string"},
                    {"name": "course", "in": "query", "type": "string"},
                    {"name": "status", "in": "query", "type": "string"},
                    {"name": "sortBy", "in": "query", "type": "string"},
                    {"name": "sortOrder", "in": "query", "type": "string"}
                ],
                "responses": {
                    "200": {"description": "Students with history"}
                }
            },
            "post": {
                "tags": ["Students"],
                "summary": "Enroll a new student",
                "responses": {
                    "201": {"description": "Student created"},
                    "400": {"description": "Missing required fields"},
                    "409": {"description": "Email already exists"}
                }
            }
        },
        "/students/stats": {
            "get": {
                "tags": ["Students"],
                "summary": "Roster statistics",
                "responses": {
                    "200": {"description": "Statistics payload"}
                }
            }
        },
        "/students/export": {
            "get": {
                "tags": ["Students"],
                "summary": "Export the student roster",
                "parameters": [
                    {"name": "format", "in": "query", "type": "string", "enum": ["csv", "pdf"]}
                ],
                "responses": {
                    "200": {"description": "CSV or PDF document"}
                }
            }
        },
        "/students/{id}": {
            "get": {
                "tags": ["Students"],
                "summary": "Get student detail with history",
                "parameters": [
                    {"name": "id", "in": "path", "type": "integer", "required": true}
                ],
                "responses": {
                    "200": {"description": "Student with history"},
                    "404": {"description": "Student not found"}
                }
            },
            "put": {
                "tags": ["Students"],
                "summary": "Update student fields",
                "parameters": [
                    {"name": "id", "in": "path", "type": "integer", "required": true}
                ],
                "responses": {
                    "200": {"description": "Student updated"},
                    "400": {"description": "No valid fields to update"},
                    "404": {"description": "Student not found"}
                }
            },
            "delete": {
                "tags": ["Students"],
                "summary": "Delete a student and its history",
                "parameters": [
                    {"name": "id", "in": "path", "type": "integer", "required": true}
                ],
                "responses": {
                    "200": {"description": "Student deleted"},
                    "403": {"description": "Admin role required"},
                    "404": {"description": "Student not found"}
                }
            }
        }
    },
    "definitions": {
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
