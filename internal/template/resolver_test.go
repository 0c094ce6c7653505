package template

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/google/uuid"

	"github.com/tidewave/herald/internal/db"
)

func testContact() db.Contact {
	return db.Contact{
		ID:    uuid.MustParse("a1b2c3d4-e5f6-4a5b-8c9d-0e1f2a3b4c5d"),
		Name:  "Maria",
		Phone: "+15550100001",
		Email: "maria@example.com",
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{
			name: "valid template",
			raw:  `{"name":"reminder","body":"Hi {{1}}"}`,
		},
		{
			name:    "empty body",
			raw:     `{"name":"reminder","body":"  "}`,
			wantErr: true,
		},
		{
			name:    "malformed json",
			raw:     `{"body":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(json.RawMessage(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Errorf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequiredSlots(t *testing.T) {
	tmpl := &Template{
		Body:   "Hi {{1}}, see you on {{2}}. Again: {{1}}",
		Header: "Reminder for {{1}}",
		Buttons: []ButtonSpec{
			{Label: "Manage", URL: "https://book.example.com/{{3}}"},
		},
	}

	got := tmpl.RequiredSlots()
	want := []string{"{{1}}", "{{2}}", "{{3}}"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("RequiredSlots() = %v, want %v", got, want)
	}
}

func TestParseMappingShorthand(t *testing.T) {
	raw := json.RawMessage(`{
		"{{1}}": "contact.name",
		"{{2}}": "Friday 10:00",
		"{{3}}": {"source": "contact", "field": "phone"}
	}`)

	m, err := ParseMapping(raw)
	if err != nil {
		t.Fatalf("ParseMapping() error = %v", err)
	}

	if b := m["{{1}}"]; b.Source != SourceContact || b.Field != "name" {
		t.Errorf("shorthand contact ref parsed as %+v", b)
	}
	if b := m["{{2}}"]; b.Source != SourceStatic || b.Value != "Friday 10:00" {
		t.Errorf("shorthand literal parsed as %+v", b)
	}
	if b := m["{{3}}"]; b.Source != SourceContact || b.Field != "phone" {
		t.Errorf("object form parsed as %+v", b)
	}
}

func TestResolve(t *testing.T) {
	tmpl := &Template{
		Body:   "Hi {{1}}, your appointment is on {{2}}.",
		Header: "Reminder",
		Buttons: []ButtonSpec{
			{Label: "Manage", URL: "https://book.example.com/m/{{1}}"},
		},
	}
	mapping := Mapping{
		"{{1}}": {Source: SourceContact, Field: "name"},
		"{{2}}": {Source: SourceStatic, Value: "Friday 10:00"},
	}

	rendered, err := Resolve(tmpl, mapping, testContact())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if rendered.Body != "Hi Maria, your appointment is on Friday 10:00." {
		t.Errorf("unexpected body: %q", rendered.Body)
	}
	if rendered.Header != "Reminder" {
		t.Errorf("unexpected header: %q", rendered.Header)
	}
	if len(rendered.ButtonURLs) != 1 || rendered.ButtonURLs[0] != "https://book.example.com/m/Maria" {
		t.Errorf("unexpected button urls: %v", rendered.ButtonURLs)
	}
}

func TestResolveMissingVariable(t *testing.T) {
	tmpl := &Template{Body: "Hi {{1}}, see you on {{2}}."}
	mapping := Mapping{
		"{{1}}": {Source: SourceStatic, Value: "there"},
	}

	_, err := Resolve(tmpl, mapping, testContact())

	var missing *MissingVariableError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingVariableError, got %v", err)
	}
	if missing.Slot != "{{2}}" {
		t.Errorf("expected slot {{2}}, got %s", missing.Slot)
	}
}

func TestResolveUnknownContactField(t *testing.T) {
	tmpl := &Template{Body: "Hi {{1}}"}
	mapping := Mapping{
		"{{1}}": {Source: SourceContact, Field: "birthday"},
	}

	_, err := Resolve(tmpl, mapping, testContact())

	var unknown *UnknownContactFieldError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownContactFieldError, got %v", err)
	}
	if unknown.Field != "birthday" {
		t.Errorf("expected field birthday, got %s", unknown.Field)
	}
}

func TestResolveContactFields(t *testing.T) {
	contact := testContact()

	fields := map[string]string{
		"id":    contact.ID.String(),
		"name":  "Maria",
		"phone": "+15550100001",
		"email": "maria@example.com",
	}

	for field, want := range fields {
		tmpl := &Template{Body: "{{1}}"}
		mapping := Mapping{"{{1}}": {Source: SourceContact, Field: field}}

		rendered, err := Resolve(tmpl, mapping, contact)
		if err != nil {
			t.Fatalf("Resolve(contact.%s) error = %v", field, err)
		}
		if rendered.Body != want {
			t.Errorf("contact.%s resolved to %q, want %q", field, rendered.Body, want)
		}
	}
}

func TestResolveInvalidButtonURL(t *testing.T) {
	tests := []struct {
		name  string
		url   string
		value string
	}{
		{
			name:  "relative url",
			url:   "{{1}}",
			value: "/manage/booking",
		},
		{
			name:  "non-http scheme",
			url:   "{{1}}",
			value: "ftp://example.com/file",
		},
		{
			name:  "not a url at all",
			url:   "{{1}}",
			value: "click here",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := &Template{
				Body:    "body",
				Buttons: []ButtonSpec{{Label: "go", URL: tt.url}},
			}
			mapping := Mapping{"{{1}}": {Source: SourceStatic, Value: tt.value}}

			_, err := Resolve(tmpl, mapping, testContact())

			var invalid *InvalidButtonURLError
			if !errors.As(err, &invalid) {
				t.Fatalf("expected InvalidButtonURLError, got %v", err)
			}
			if invalid.Value != tt.value {
				t.Errorf("expected value %q in error, got %q", tt.value, invalid.Value)
			}
		})
	}
}

// Resolution is pure: the same inputs must render the same output, and
// the template and mapping must come out untouched.
func TestResolveIsDeterministic(t *testing.T) {
	tmpl := &Template{
		Body: "Hi {{1}}, {{2}}",
		Buttons: []ButtonSpec{
			{Label: "go", URL: "https://example.com/{{1}}"},
		},
	}
	mapping := Mapping{
		"{{1}}": {Source: SourceContact, Field: "name"},
		"{{2}}": {Source: SourceStatic, Value: "welcome"},
	}
	contact := testContact()

	first, err := Resolve(tmpl, mapping, contact)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	for i := 0; i < 10; i++ {
		again, err := Resolve(tmpl, mapping, contact)
		if err != nil {
			t.Fatalf("Resolve() error on run %d: %v", i, err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d diverged: %+v vs %+v", i, first, again)
		}
	}

	if tmpl.Body != "Hi {{1}}, {{2}}" {
		t.Error("template body was mutated")
	}
	if mapping["{{2}}"].Value != "welcome" {
		t.Error("mapping was mutated")
	}
}
