// Package templates renders named message templates into gateway payloads.
package templates

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"wagate/internal/apperr"
	"wagate/internal/models"

	"gopkg.in/yaml.v2"
)

var (
	placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)
	slotName    = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

// Slot is a named variable of a template.
type Slot struct {
	Name     string `yaml:"name"`
	Required bool   `yaml:"required"`
	Default  string `yaml:"default"`
}

// Definition describes one template. Header, Body and Footer may reference
// slots as {{name}}.
type Definition struct {
	Name     string `yaml:"name"`
	Language string `yaml:"language"`
	Header   string `yaml:"header"`
	Body     string `yaml:"body"`
	Footer   string `yaml:"footer"`
	Slots    []Slot `yaml:"slots"`
}

func (d Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("template without name")
	}
	if strings.TrimSpace(d.Body) == "" {
		return fmt.Errorf("template %s: empty body", d.Name)
	}
	declared := make(map[string]bool, len(d.Slots))
	for _, s := range d.Slots {
		if s.Name == "" {
			return fmt.Errorf("template %s: slot without name", d.Name)
		}
		if !slotName.MatchString(s.Name) {
			return fmt.Errorf("template %s: slot name %q may only use letters, digits and _", d.Name, s.Name)
		}
		if declared[s.Name] {
			return fmt.Errorf("template %s: duplicate slot %s", d.Name, s.Name)
		}
		declared[s.Name] = true
	}
	for _, text := range []string{d.Header, d.Body, d.Footer} {
		for _, m := range placeholder.FindAllStringSubmatch(text, -1) {
			if !declared[m[1]] {
				return fmt.Errorf("template %s: placeholder %s has no slot", d.Name, m[1])
			}
		}
		// Anything brace-like left over would reach the recipient unresolved.
		rest := placeholder.ReplaceAllString(text, "")
		if strings.Contains(rest, "{{") || strings.Contains(rest, "}}") {
			return fmt.Errorf("template %s: malformed placeholder in %q", d.Name, text)
		}
	}
	return nil
}

// Renderer resolves templates by name. It holds no mutable state and is safe
// for concurrent use.
type Renderer struct {
	defs map[string]Definition
}

// NewRenderer validates defs and builds a renderer. Later definitions replace
// earlier ones with the same name.
func NewRenderer(defs []Definition) (*Renderer, error) {
	r := &Renderer{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		if err := d.validate(); err != nil {
			return nil, err
		}
		if d.Language == "" {
			d.Language = "en"
		}
		d.Slots = append([]Slot(nil), d.Slots...)
		r.defs[d.Name] = d
	}
	return r, nil
}

// Names lists the known templates in alphabetical order.
func (r *Renderer) Names() []string {
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Render fills the slots of template name from vars. A required slot that is
// absent or blank fails the whole render.
func (r *Renderer) Render(name string, vars map[string]string) (models.MessagePayload, error) {
	def, ok := r.defs[name]
	if !ok {
		return models.MessagePayload{}, apperr.New(apperr.KindTemplateNotFound, fmt.Sprintf("unknown template %q", name))
	}

	values := make(map[string]string, len(def.Slots))
	params := make([]models.TemplateParameter, 0, len(def.Slots))
	for _, s := range def.Slots {
		v := strings.TrimSpace(vars[s.Name])
		if v == "" {
			if s.Required {
				return models.MessagePayload{}, apperr.New(apperr.KindMissingVariable, fmt.Sprintf("template %q requires %q", name, s.Name))
			}
			v = s.Default
		}
		values[s.Name] = v
		params = append(params, models.TemplateParameter{Name: s.Name, Value: v})
	}

	fill := func(text string) string {
		return placeholder.ReplaceAllStringFunc(text, func(m string) string {
			return values[placeholder.FindStringSubmatch(m)[1]]
		})
	}

	return models.MessagePayload{
		Template:   def.Name,
		Language:   def.Language,
		Header:     fill(def.Header),
		Body:       fill(def.Body),
		Footer:     fill(def.Footer),
		Parameters: params,
	}, nil
}

// Defaults are the templates available without a templates file.
func Defaults() []Definition {
	return []Definition{
		{
			Name:   "order_update",
			Header: "Order #{{order_id}}",
			Body:   "Hi {{customer_name}}, your order #{{order_id}} is now {{status}}.",
			Footer: "{{store_name}}",
			Slots: []Slot{
				{Name: "order_id", Required: true},
				{Name: "status", Required: true},
				{Name: "customer_name", Default: "there"},
				{Name: "store_name"},
			},
		},
		{
			Name: "order_created",
			Body: "New order #{{order_id}} from {{customer_name}}, total {{total}}.",
			Slots: []Slot{
				{Name: "order_id", Required: true},
				{Name: "customer_name", Required: true},
				{Name: "total", Required: true},
			},
		},
		{
			Name: "product_sync",
			Body: "{{product_name}} is now listed in the {{store_name}} WhatsApp catalog.",
			Slots: []Slot{
				{Name: "product_name", Required: true},
				{Name: "store_name", Default: "store"},
			},
		},
		{
			Name: "pairing_confirmed",
			Body: "{{store_name}} is now connected to WhatsApp.",
			Slots: []Slot{
				{Name: "store_name", Default: "Your store"},
			},
		},
	}
}

type fileFormat struct {
	Templates []Definition `yaml:"templates"`
}

// LoadFile reads template definitions from a YAML file.
func LoadFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return f.Templates, nil
}

// Load builds a renderer from the defaults, overridden by the file at path
// when path is set.
func Load(path string) (*Renderer, error) {
	defs := Defaults()
	if path != "" {
		extra, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		defs = append(defs, extra...)
	}
	return NewRenderer(defs)
}
