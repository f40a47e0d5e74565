package store

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	schemaOnce sync.Once
	schemas    map[string]*jsonschema.Schema
	schemaErr  error
)

func compileSchemas() {
	schemas = map[string]*jsonschema.Schema{}
	for _, name := range []string{DocRecords, DocHistory, DocPortStats} {
		file := name + ".json"
		body, err := schemaFS.ReadFile("schemas/" + file)
		if err != nil {
			schemaErr = fmt.Errorf("read schema %s: %w", file, err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(file, bytes.NewReader(body)); err != nil {
			schemaErr = fmt.Errorf("add schema %s: %w", file, err)
			return
		}
		s, err := compiler.Compile(file)
		if err != nil {
			schemaErr = fmt.Errorf("compile schema %s: %w", file, err)
			return
		}
		schemas[name] = s
	}
}

func schemaFor(name string) (*jsonschema.Schema, error) {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return nil, schemaErr
	}
	return schemas[name], nil
}

// Decode validates data against the schema registered for the named document
// and unmarshals it into v. Documents without a schema are only unmarshalled.
func Decode(name string, data []byte, v any) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	s, err := schemaFor(name)
	if err != nil {
		return err
	}
	if s != nil {
		if err := s.Validate(raw); err != nil {
			return fmt.Errorf("validate %s: %w", name, err)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return nil
}

// LoadDocument reads the named document from b into v. It reports false with
// a nil error when the document is missing or blank; any other failure means
// the stored document is unreadable or corrupt.
func LoadDocument(ctx context.Context, b Backend, name string, v any) (bool, error) {
	data, err := b.Load(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return false, nil
	}
	if err := Decode(name, data, v); err != nil {
		return false, err
	}
	return true, nil
}

// SaveDocument marshals v with indentation and writes it through b.
func SaveDocument(ctx context.Context, b Backend, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return b.Save(ctx, name, data)
}
