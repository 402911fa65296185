// ABOUTME: Fills in download URLs for file references in response objects
// ABOUTME: File values look like {"__type":"File","name":"..."}; stored values never carry urls

// Package files expands file references into downloadable URLs.
package files

import (
	"net/url"
	"strings"
)

// Expander attaches URLs to file references.
type Expander struct {
	base string
}

// NewExpander creates an Expander serving files from
// <serverURL>/files/<appName>/<name>.
func NewExpander(serverURL, appName string) *Expander {
	return &Expander{base: strings.TrimRight(serverURL, "/") + "/files/" + url.PathEscape(appName) + "/"}
}

// Location returns the URL of a stored file.
func (e *Expander) Location(name string) string {
	return e.base + url.PathEscape(name)
}

// Expand sets "url" on every top-level file reference in obj (or in each
// element when obj is a list). References that already have a url are kept.
func (e *Expander) Expand(obj any) {
	switch t := obj.(type) {
	case []any:
		for _, item := range t {
			e.Expand(item)
		}
	case []map[string]any:
		for _, item := range t {
			e.Expand(item)
		}
	case map[string]any:
		e.expandFields(t)
	}
}

func (e *Expander) expandFields(obj map[string]any) {
	for _, v := range obj {
		file, ok := v.(map[string]any)
		if !ok || file["__type"] != "File" {
			continue
		}
		if u, _ := file["url"].(string); u != "" {
			continue
		}
		name, _ := file["name"].(string)
		if name == "" {
			continue
		}
		file["url"] = e.Location(name)
	}
}
