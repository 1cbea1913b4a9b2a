package command

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
)

const apiPrefix = "/api/v1"

var nameField = Field{Name: "name", Aliases: []string{"unit", "file"}, Prompt: "unit name", Type: FieldString, Required: true}

// Registry returns all CLI commands keyed by "service action".
func Registry() map[string]Command {
	commands := []Command{
		{Service: "host", Action: "status", Method: http.MethodGet, PathTemplate: "/status"},
		{Service: "host", Action: "clear", Method: http.MethodPost, PathTemplate: "/clear", RequiresUser: true},
		{Service: "unit", Action: "list", Method: http.MethodGet, PathTemplate: "/units"},
		{
			Service:      "unit",
			Action:       "upload",
			Method:       http.MethodPut,
			PathTemplate: "/units/:name",
			RequiresUser: true,
			Fields: []Field{
				{Name: "path", Aliases: []string{"src"}, Prompt: "local file", Type: FieldFile, Required: true},
				{Name: "name", Aliases: []string{"unit"}, Prompt: "unit name (blank for file name)", Type: FieldString},
			},
		},
		{Service: "unit", Action: "importable", Method: http.MethodGet, PathTemplate: "/units/importable"},
		{Service: "unit", Action: "delete", Method: http.MethodDelete, PathTemplate: "/units/:name", RequiresUser: true, Fields: []Field{nameField}},
		{
			Service:      "unit",
			Action:       "import",
			Method:       http.MethodPost,
			PathTemplate: "/units/import",
			RequiresUser: true,
			Fields: []Field{
				{Name: "key", Aliases: []string{"object"}, Prompt: "object key", Type: FieldString, Required: true},
			},
		},
		{Service: "job", Action: "list", Method: http.MethodGet, PathTemplate: "/jobs"},
		{Service: "job", Action: "get", Method: http.MethodGet, PathTemplate: "/jobs/:name", Fields: []Field{nameField}},
		{Service: "job", Action: "start", Method: http.MethodPost, PathTemplate: "/jobs/:name", RequiresUser: true, Fields: []Field{nameField}},
		{Service: "job", Action: "stop", Method: http.MethodDelete, PathTemplate: "/jobs/:name", RequiresUser: true, Fields: []Field{nameField}},
		{Service: "job", Action: "watch", Method: http.MethodGet, PathTemplate: "/jobs/:name/stream", Stream: true, Fields: []Field{nameField}},
		{Service: "mount", Action: "list", Method: http.MethodGet, PathTemplate: "/mounts"},
		{Service: "mount", Action: "add", Method: http.MethodPost, PathTemplate: "/mounts/:name", RequiresUser: true, Fields: []Field{nameField}},
		{Service: "mount", Action: "remove", Method: http.MethodDelete, PathTemplate: "/mounts/:name", RequiresUser: true, Fields: []Field{nameField}},
		{
			Service:      "pkg",
			Action:       "install",
			Method:       http.MethodPost,
			PathTemplate: "/packages",
			RequiresUser: true,
			Fields: []Field{
				{Name: "packages", Aliases: []string{"pkgs"}, Prompt: "packages (comma separated)", Type: FieldStringList, Required: true},
			},
		},
		{
			Service:      "cmd",
			Action:       "send",
			Method:       http.MethodPost,
			PathTemplate: "/commands",
			RequiresUser: true,
			Fields: []Field{
				{Name: "text", Prompt: "command text", Type: FieldString, Required: true},
				{Name: "chat_id", Aliases: []string{"chat"}, Prompt: "chat id", Type: FieldString},
			},
		},
	}

	result := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		result[cmd.Key()] = cmd
	}
	return result
}

// BuildRequest creates the HTTP request spec for cmd.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	params.Canonicalize(cmd.Fields)
	spec := RequestSpec{Method: cmd.Method}

	if cmd.Key() == "unit upload" {
		data, err := ReadFile(params.Get("path"))
		if err != nil {
			return RequestSpec{}, err
		}
		if params.Get("name") == "" {
			params.Set("name", filepath.Base(params.Get("path")))
		}
		spec.ContentType = "application/octet-stream"
		spec.Body = data
	} else if cmd.Method == http.MethodPost {
		payload, err := buildPayload(cmd, params)
		if err != nil {
			return RequestSpec{}, err
		}
		if payload != nil {
			body, err := json.Marshal(payload)
			if err != nil {
				return RequestSpec{}, fmt.Errorf("marshal request body failed: %w", err)
			}
			spec.ContentType = "application/json"
			spec.Body = body
		}
	}

	path, err := buildPath(cmd.PathTemplate, params)
	if err != nil {
		return RequestSpec{}, err
	}
	spec.Path = path
	return spec, nil
}

func buildPath(template string, params Params) (string, error) {
	path := template
	if strings.Contains(path, ":name") {
		value := params.Get("name")
		if value == "" {
			return "", fmt.Errorf("missing path parameter: name")
		}
		path = strings.ReplaceAll(path, ":name", url.PathEscape(value))
	}
	return apiPrefix + path, nil
}

func buildPayload(cmd Command, params Params) (interface{}, error) {
	switch cmd.Key() {
	case "unit import":
		return map[string]string{"key": params.Get("key")}, nil
	case "pkg install":
		pkgs := ParseStringList(params.Get("packages"))
		if len(pkgs) == 0 {
			return nil, fmt.Errorf("packages is empty")
		}
		return map[string][]string{"packages": pkgs}, nil
	case "cmd send":
		return map[string]string{"chat_id": params.Get("chat_id"), "text": params.Get("text")}, nil
	}
	return nil, nil
}
