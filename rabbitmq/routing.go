package rabbitmq

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"text/template"
)

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// RoutingData is what routing key templates can refer to.
type RoutingData struct {
	Discriminator string
	Schema        string
	Table         string
}

// Router resolves the routing key of a discriminator. Mappings whose value
// contains "{{" are templates, the others are used verbatim. Discriminators
// without a mapping go through the default template.
type Router struct {
	static    map[string]string
	templates map[string]*template.Template
	fallback  *template.Template
	schema    string
	table     string
	cache     sync.Map
}

func NewRouter(defaultTemplate string, mapping map[string]string, schema, table string) (*Router, error) {
	if defaultTemplate == "" {
		return nil, fmt.Errorf("routing key template is empty")
	}
	fallback, err := template.New("routingKey").Option("missingkey=error").Parse(defaultTemplate)
	if err != nil {
		return nil, fmt.Errorf("invalid routing key template: %w", err)
	}

	r := &Router{
		static:    make(map[string]string, len(mapping)),
		templates: make(map[string]*template.Template, len(mapping)),
		fallback:  fallback,
		schema:    schema,
		table:     table,
	}
	for k, v := range mapping {
		if !strings.Contains(v, "{{") {
			r.static[k] = v
			continue
		}
		t, err := template.New("routingKey:" + k).Option("missingkey=error").Parse(v)
		if err != nil {
			return nil, fmt.Errorf("invalid routing key template for %q: %w", k, err)
		}
		r.templates[k] = t
	}
	return r, nil
}

func (r *Router) RoutingKey(discriminator string) (string, error) {
	if cached, ok := r.cache.Load(discriminator); ok {
		return cached.(string), nil
	}

	key, err := r.resolve(discriminator)
	if err != nil {
		return "", err
	}
	r.cache.Store(discriminator, key)
	return key, nil
}

func (r *Router) resolve(discriminator string) (string, error) {
	if key, ok := r.static[discriminator]; ok {
		return key, nil
	}
	t, ok := r.templates[discriminator]
	if !ok {
		t = r.fallback
	}

	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)
	if err := t.Execute(buf, RoutingData{Discriminator: discriminator, Schema: r.schema, Table: r.table}); err != nil {
		return "", fmt.Errorf("render routing key for %q: %w", discriminator, err)
	}
	if buf.Len() == 0 {
		return "", fmt.Errorf("routing key for %q is empty", discriminator)
	}
	return buf.String(), nil
}
