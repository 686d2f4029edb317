package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"chatlinker/services/assistant/internal/server"
	"gopkg.in/yaml.v3"
)

type openAPIDoc struct {
	Paths      map[string]map[string]yaml.Node `yaml:"paths"`
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Enum       []string          `yaml:"enum"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <openapi.yaml>\n", os.Args[0])
		os.Exit(2)
	}
	if err := check(os.Args[1], server.APIRoutes); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	fmt.Println("OpenAPI consistency check passed.")
}

// check verifies that the document declares every served route and the
// shared error envelope.
func check(path string, routes []server.Route) error {
	doc, err := loadDoc(path)
	if err != nil {
		return err
	}
	if err := checkRoutes(doc, routes); err != nil {
		return err
	}
	errSchema, err := getSchema(doc, "ErrorResponse")
	if err != nil {
		return err
	}
	return validateErrorResponse(errSchema)
}

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func checkRoutes(doc openAPIDoc, routes []server.Route) error {
	var missing []string
	for _, r := range routes {
		ops, ok := doc.Paths[r.Path]
		if !ok {
			missing = append(missing, r.Method+" "+r.Path)
			continue
		}
		if _, ok := ops[strings.ToLower(r.Method)]; !ok {
			missing = append(missing, r.Method+" "+r.Path)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("paths missing from document: %s", strings.Join(missing, ", "))
	}
	return nil
}

func getSchema(doc openAPIDoc, name string) (schema, error) {
	if doc.Components.Schemas == nil {
		return schema{}, errors.New("components.schemas missing")
	}
	s, ok := doc.Components.Schemas[name]
	if !ok {
		return schema{}, fmt.Errorf("schema %q missing", name)
	}
	return s, nil
}

func validateErrorResponse(s schema) error {
	if s.Type != "object" {
		return errors.New("ErrorResponse must be object")
	}
	required := makeSet(s.Required)
	for _, field := range []string{"message", "cause"} {
		if !required[field] {
			return fmt.Errorf("ErrorResponse.required must include %q", field)
		}
		prop, ok := s.Properties[field]
		if !ok || prop.Type != "string" {
			return fmt.Errorf("ErrorResponse.%s must be string", field)
		}
	}
	if msg := s.Properties["message"]; len(msg.Enum) != 1 || msg.Enum[0] != "ERROR" {
		return errors.New(`ErrorResponse.message must be the constant "ERROR"`)
	}
	return nil
}

func makeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out[item] = true
	}
	return out
}
