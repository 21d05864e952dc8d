package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	wardenschema "github.com/Paintersrp/warden/schema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaResource = "warden.v1.json"

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(schemaResource, bytes.NewReader(wardenschema.ConfigV1Schema)); err != nil {
		return nil, fmt.Errorf("add config schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaResource)
	if err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}
	return schema, nil
})

// validateAgainstSchema checks the raw YAML document against the bundled
// warden.v1 schema before it is decoded into Config.
func validateAgainstSchema(doc map[string]any) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("load config schema: %w", err)
	}

	normalized, err := normalizeForSchema(doc)
	if err != nil {
		return fmt.Errorf("prepare config for schema validation: %w", err)
	}

	if err := schema.Validate(normalized); err != nil {
		var vErr *jsonschema.ValidationError
		if errors.As(err, &vErr) {
			report := schemaReport{doc: normalized}
			return fmt.Errorf("schema validation failed:\n%s", report.format(vErr))
		}
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// normalizeForSchema round-trips doc through JSON so YAML scalars reach the
// validator as JSON types.
func normalizeForSchema(doc map[string]any) (any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var out any
	if err := decoder.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// schemaReport renders validation failures against the document they were
// raised for, so check entries can be labelled by name.
type schemaReport struct {
	doc any
}

func (r schemaReport) format(err *jsonschema.ValidationError) string {
	var b strings.Builder
	seen := make(map[string]struct{})
	r.write(&b, seen, err, 0)
	return strings.TrimRight(b.String(), "\n")
}

func (r schemaReport) write(b *strings.Builder, seen map[string]struct{}, err *jsonschema.ValidationError, depth int) {
	// Wrapper errors only say which subschema failed; their causes carry the detail.
	if len(err.Causes) == 0 || !strings.HasPrefix(err.Message, "doesn't validate with") {
		line := fmt.Sprintf("%s- %s: %s", strings.Repeat("  ", depth), r.location(err.InstanceLocation), err.Message)
		if _, dup := seen[line]; !dup {
			seen[line] = struct{}{}
			b.WriteString(line)
			b.WriteByte('\n')
		}
		depth++
	}
	for _, cause := range err.Causes {
		r.write(b, seen, cause, depth)
	}
}

// location turns a JSON pointer into the dotted path used by Validate, e.g.
// "checks[1].http.url", and names the check it falls under when known.
func (r schemaReport) location(ptr string) string {
	segments := strings.Split(strings.TrimPrefix(ptr, "/"), "/")
	if ptr == "" || ptr == "/" {
		segments = nil
	}

	var (
		b     strings.Builder
		node  = r.doc
		check string
	)
	for i, segment := range segments {
		key := strings.ReplaceAll(strings.ReplaceAll(segment, "~1", "/"), "~0", "~")
		if idx, err := strconv.Atoi(key); err == nil {
			fmt.Fprintf(&b, "[%d]", idx)
			node = index(node, idx)
			if i == 1 && segments[0] == "checks" {
				check = nameOf(node)
			}
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(key)
		node = field(node, key)
	}
	if b.Len() == 0 {
		return "config"
	}
	if check != "" {
		fmt.Fprintf(&b, " (check %q)", check)
	}
	return b.String()
}

func index(node any, idx int) any {
	items, ok := node.([]any)
	if !ok || idx < 0 || idx >= len(items) {
		return nil
	}
	return items[idx]
}

func field(node any, key string) any {
	obj, ok := node.(map[string]any)
	if !ok {
		return nil
	}
	return obj[key]
}

func nameOf(node any) string {
	name, _ := field(node, "name").(string)
	return name
}
