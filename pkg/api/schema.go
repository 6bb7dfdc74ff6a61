package api

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const maxBody = 1 << 20

//go:embed schemas/*.json
var schemaFS embed.FS

// Schemas holds the compiled request schemas keyed by file stem.
type Schemas struct {
	compiled map[string]*jsonschema.Schema
}

// LoadSchemas compiles every embedded request schema.
func LoadSchemas() (*Schemas, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true

	s := &Schemas{compiled: make(map[string]*jsonschema.Schema, len(entries))}
	for _, e := range entries {
		raw, err := schemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			return nil, err
		}
		url := "https://openibank.dev/schemas/" + e.Name()
		if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("schema %s load failed: %w", e.Name(), err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema %s compile failed: %w", e.Name(), err)
		}
		s.compiled[strings.TrimSuffix(e.Name(), path.Ext(e.Name()))] = compiled
	}
	return s, nil
}

// Decode reads the request body, validates it against the named schema and
// unmarshals it into dst. An empty body is validated as {}.
func (s *Schemas) Decode(r *http.Request, name string, dst any) error {
	schema, ok := s.compiled[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBody {
		return fmt.Errorf("request body too large")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return errors.New(describe(ve))
		}
		return err
	}
	return json.Unmarshal(body, dst)
}

// describe flattens a validation error to its first leaf cause.
func describe(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return loc + ": " + ve.Message
}
