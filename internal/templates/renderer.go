// Package templates renders header profile values. A value containing "{{" is
// parsed as a text/template with the Sprig function set, so a profile can pull
// a clearance cookie or token from the environment without writing it to disk.
package templates

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// Renderer executes header value templates. Only allow-listed environment
// variables are visible to the env and expandenv helpers.
type Renderer struct {
	allowed []string
	lookup  func(string) (string, bool)
	funcs   template.FuncMap
}

// NewRenderer builds a renderer that exposes the named environment variables.
func NewRenderer(allowedEnv []string) *Renderer {
	return newRenderer(allowedEnv, os.LookupEnv)
}

func newRenderer(allowedEnv []string, lookup func(string) (string, bool)) *Renderer {
	funcs := sprig.TxtFuncMap()
	// Sprig's env and filesystem helpers would bypass the allow list.
	for _, name := range []string{"env", "expandenv", "readDir", "mustReadDir", "readFile", "mustReadFile", "glob"} {
		delete(funcs, name)
	}

	r := &Renderer{lookup: lookup, funcs: funcs}
	for _, name := range allowedEnv {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			r.allowed = append(r.allowed, trimmed)
		}
	}
	r.funcs["env"] = r.env
	r.funcs["expandenv"] = func(input string) string {
		return os.Expand(input, r.env)
	}
	return r
}

func (r *Renderer) env(key string) string {
	if !slices.Contains(r.allowed, key) {
		return ""
	}
	value, _ := r.lookup(key)
	return value
}

// AllowedEnv lists the environment variables templates may read.
func (r *Renderer) AllowedEnv() []string {
	return slices.Clone(r.allowed)
}

// Render executes a single template source. Sources without an action are
// returned unchanged.
func (r *Renderer) Render(name, source string) (string, error) {
	if !strings.Contains(source, "{{") {
		return source, nil
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return "", fmt.Errorf("templates: compile %q: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", name, err)
	}
	return buf.String(), nil
}

// RenderHeaders renders every value of a header profile. Header names are
// never templated. A nil renderer returns a copy of the input.
func (r *Renderer) RenderHeaders(headers map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		if r == nil {
			out[name] = value
			continue
		}
		rendered, err := r.Render(name, value)
		if err != nil {
			return nil, err
		}
		out[name] = strings.TrimSpace(rendered)
	}
	return out, nil
}
