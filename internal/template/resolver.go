// Package template validates campaign variable mappings against a
// template's declared placeholder slots and renders the per-recipient
// message content. Resolution is pure: identical (template, mapping,
// contact) inputs produce identical output, and nothing is mutated.
package template

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/tidewave/herald/internal/db"
)

// placeholderPattern matches numbered slots like {{1}}, {{2}}.
var placeholderPattern = regexp.MustCompile(`\{\{\d+\}\}`)

// contactFieldPrefix marks a mapping value as a contact field reference.
const contactFieldPrefix = "contact."

// Binding sources.
const (
	SourceStatic  = "static"
	SourceContact = "contact"
)

// Template declares the placeholder slots a campaign must supply values
// for, across body, header and button components.
type Template struct {
	Name    string       `json:"name"`
	Body    string       `json:"body"`
	Header  string       `json:"header,omitempty"`
	Buttons []ButtonSpec `json:"buttons,omitempty"`
}

// ButtonSpec is a call-to-action button whose URL may carry placeholders.
type ButtonSpec struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Parse decodes a stored template definition.
func Parse(raw json.RawMessage) (*Template, error) {
	var t Template
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode template definition: %w", err)
	}
	if strings.TrimSpace(t.Body) == "" {
		return nil, fmt.Errorf("template body is empty")
	}
	return &t, nil
}

// RequiredSlots returns every placeholder declared anywhere in the
// template, sorted and de-duplicated.
func (t *Template) RequiredSlots() []string {
	seen := map[string]bool{}
	collect := func(text string) {
		for _, slot := range placeholderPattern.FindAllString(text, -1) {
			seen[slot] = true
		}
	}

	collect(t.Body)
	collect(t.Header)
	for _, b := range t.Buttons {
		collect(b.URL)
	}

	slots := make([]string, 0, len(seen))
	for s := range seen {
		slots = append(slots, s)
	}
	sort.Strings(slots)
	return slots
}

// Binding supplies the value for one slot: either a literal string or a
// reference to a contact field.
type Binding struct {
	Source string `json:"source"`
	Value  string `json:"value,omitempty"`
	Field  string `json:"field,omitempty"`
}

// UnmarshalJSON accepts the object form or a shorthand string, where a
// "contact.<field>" string is a field reference and anything else is a
// literal.
func (b *Binding) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if strings.HasPrefix(s, contactFieldPrefix) {
			b.Source = SourceContact
			b.Field = strings.TrimPrefix(s, contactFieldPrefix)
		} else {
			b.Source = SourceStatic
			b.Value = s
		}
		return nil
	}

	type rawBinding Binding
	var rb rawBinding
	if err := json.Unmarshal(data, &rb); err != nil {
		return err
	}
	*b = Binding(rb)
	return nil
}

// Mapping associates each declared slot with a binding.
type Mapping map[string]Binding

// ParseMapping decodes a campaign's stored variable mapping.
func ParseMapping(raw json.RawMessage) (Mapping, error) {
	if len(raw) == 0 {
		return Mapping{}, nil
	}
	var m Mapping
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode variable mapping: %w", err)
	}
	return m, nil
}

// RenderedMessage is the fully-resolved content for one recipient.
type RenderedMessage struct {
	Body       string
	Header     string
	ButtonURLs []string
}

// MissingVariableError reports a declared slot with no mapping entry.
type MissingVariableError struct {
	Slot string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("missing variable for slot %s", e.Slot)
}

// UnknownContactFieldError reports a contact.* reference to a field the
// contact schema does not expose.
type UnknownContactFieldError struct {
	Field string
}

func (e *UnknownContactFieldError) Error() string {
	return fmt.Sprintf("unknown contact field %q", e.Field)
}

// InvalidButtonURLError reports a resolved button URL that is not an
// absolute http(s) URL.
type InvalidButtonURLError struct {
	Slot  string
	Value string
}

func (e *InvalidButtonURLError) Error() string {
	return fmt.Sprintf("button slot %s resolved to invalid url %q", e.Slot, e.Value)
}

// Resolve validates the mapping against the template's declared slots and
// produces the rendered message for one contact. It fails before any side
// effect: the first missing slot, unknown contact field, or malformed
// button URL aborts resolution.
func Resolve(t *Template, mapping Mapping, contact db.Contact) (*RenderedMessage, error) {
	values := map[string]string{}

	for _, slot := range t.RequiredSlots() {
		binding, ok := mapping[slot]
		if !ok {
			return nil, &MissingVariableError{Slot: slot}
		}

		value, err := bindingValue(binding, contact)
		if err != nil {
			return nil, err
		}
		values[slot] = value
	}

	rendered := &RenderedMessage{
		Body:   substitute(t.Body, values),
		Header: substitute(t.Header, values),
	}

	for _, b := range t.Buttons {
		resolved := substitute(b.URL, values)
		if err := validateButtonURL(b.URL, resolved); err != nil {
			return nil, err
		}
		rendered.ButtonURLs = append(rendered.ButtonURLs, resolved)
	}

	return rendered, nil
}

func bindingValue(b Binding, contact db.Contact) (string, error) {
	switch b.Source {
	case SourceContact:
		value, ok := contactField(contact, b.Field)
		if !ok {
			return "", &UnknownContactFieldError{Field: b.Field}
		}
		return value, nil
	case SourceStatic, "":
		return b.Value, nil
	default:
		return "", fmt.Errorf("unknown binding source %q", b.Source)
	}
}

// contactField exposes the contact schema to mappings. Adding a field
// here is what makes it referenceable as contact.<field>.
func contactField(c db.Contact, field string) (string, bool) {
	switch field {
	case "id":
		return c.ID.String(), true
	case "name":
		return c.Name, true
	case "phone":
		return c.Phone, true
	case "email":
		return c.Email, true
	default:
		return "", false
	}
}

func substitute(text string, values map[string]string) string {
	if text == "" {
		return ""
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(slot string) string {
		return values[slot]
	})
}

func validateButtonURL(urlTemplate, resolved string) error {
	u, err := url.Parse(resolved)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		slot := urlTemplate
		if match := placeholderPattern.FindString(urlTemplate); match != "" {
			slot = match
		}
		return &InvalidButtonURLError{Slot: slot, Value: resolved}
	}
	return nil
}
