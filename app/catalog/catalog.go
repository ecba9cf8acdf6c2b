// Package catalog describes the known connectors: for each tool namespace
// and method, how to title a mutation for the UI and whether its effect can
// be re-queried after an indeterminate outcome.
package catalog

import (
	"fmt"
	"io/ioutil"

	"github.com/flosch/pongo2/v4"
	"gopkg.in/yaml.v2"
)

type Method struct {
	Name string `yaml:"name"`
	// pongo2 template rendered with the call params
	UITitle string `yaml:"ui_title"`
	// whether a reconciler can learn the call's true effect afterwards
	Reconcilable bool `yaml:"reconcilable"`
}

type Connector struct {
	Namespace string   `yaml:"namespace"`
	Methods   []Method `yaml:"methods"`
}

type catalogFile struct {
	Connectors []Connector `yaml:"connectors"`
}

type Catalog struct {
	methods map[string]Method
}

func key(namespace, method string) string {
	return namespace + "." + method
}

// Empty returns a catalog knowing no connectors; every lookup falls back.
func Empty() *Catalog {
	return &Catalog{methods: map[string]Method{}}
}

func Load(path string) (*Catalog, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	file := catalogFile{}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	c := Empty()
	for _, connector := range file.Connectors {
		for _, method := range connector.Methods {
			c.methods[key(connector.Namespace, method.Name)] = method
		}
	}
	return c, nil
}

// RenderUITitle builds the user-facing title of a mutation from the method's
// template and the call params. Unknown methods and template errors fall
// back to "namespace.method".
func (c *Catalog) RenderUITitle(namespace, method string, params map[string]interface{}) string {
	fallback := fmt.Sprintf("%s.%s", namespace, method)
	entry, ok := c.methods[key(namespace, method)]
	if !ok || entry.UITitle == "" {
		return fallback
	}
	tmpl, err := pongo2.FromString(entry.UITitle)
	if err != nil {
		return fallback
	}
	rendered, err := tmpl.Execute(pongo2.Context(params))
	if err != nil {
		return fallback
	}
	return rendered
}

// Reconcilable reports whether the external system can be asked for the
// call's true effect. Unknown methods cannot.
func (c *Catalog) Reconcilable(namespace, method string) bool {
	entry, ok := c.methods[key(namespace, method)]
	return ok && entry.Reconcilable
}
