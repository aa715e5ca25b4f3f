package stroom

import (
	"errors"
	"fmt"
	"testing"
)

func customerPage() FormPage {
	return FormPage{
		Title: "customer",
		Fields: []FormField{
			{Name: "customer_id", Type: "uuid", Required: true},
			{Name: "contact", Type: "string", Nullable: true},
			{Name: "speed", Type: "int", Default: 1000},
		},
	}
}

func TestPostFormNilFormAcceptsAnything(t *testing.T) {
	out, err := PostForm(nil, State{}, nil)
	if err != nil {
		t.Fatalf("nil form: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("nil form produced values: %v", out)
	}
}

func TestPostFormSinglePage(t *testing.T) {
	form := Wizard(customerPage())
	out, err := PostForm(form, State{}, []map[string]any{
		{"customer_id": "c-1", "contact": "ops@example.net"},
	})
	if err != nil {
		t.Fatalf("PostForm: %v", err)
	}
	if out.GetString("customer_id") != "c-1" {
		t.Errorf("customer_id = %q", out.GetString("customer_id"))
	}
	if v, _ := out.Get("speed"); v != 1000 {
		t.Errorf("default not applied: %v", v)
	}
}

func TestPostFormIncompleteCarriesNextPage(t *testing.T) {
	form := Wizard(customerPage())
	_, err := PostForm(form, State{}, nil)

	var nc *FormNotCompleteError
	if !errors.As(err, &nc) {
		t.Fatalf("err = %v, want FormNotCompleteError", err)
	}
	if nc.Page.Title != "customer" {
		t.Errorf("next page = %q", nc.Page.Title)
	}
}

func TestPostFormMissingRequired(t *testing.T) {
	form := Wizard(customerPage())
	_, err := PostForm(form, State{}, []map[string]any{{"contact": "x"}})

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if len(ve.Fields) != 1 || ve.Fields[0].Field != "customer_id" {
		t.Errorf("fields = %+v", ve.Fields)
	}
}

func TestPostFormNullableEmptyStringBecomesNull(t *testing.T) {
	form := Wizard(customerPage())
	out, err := PostForm(form, State{}, []map[string]any{
		{"customer_id": "c-1", "contact": ""},
	})
	if err != nil {
		t.Fatalf("PostForm: %v", err)
	}
	v, ok := out.Get("contact")
	if !ok || v != nil {
		t.Errorf("contact = (%v, %v), want explicit null", v, ok)
	}
}

func TestPostFormFieldValidator(t *testing.T) {
	page := FormPage{
		Title: "port",
		Fields: []FormField{{
			Name:     "vlan",
			Type:     "int",
			Required: true,
			Validate: func(v any) error {
				if n, ok := v.(int); !ok || n < 2 || n > 4094 {
					return fmt.Errorf("vlan out of range")
				}
				return nil
			},
		}},
	}

	if _, err := PostForm(Wizard(page), State{}, []map[string]any{{"vlan": 5000}}); err == nil {
		t.Fatal("out-of-range vlan accepted")
	}
	out, err := PostForm(Wizard(page), State{}, []map[string]any{{"vlan": 100}})
	if err != nil {
		t.Fatalf("valid vlan rejected: %v", err)
	}
	if v, _ := out.Get("vlan"); v != 100 {
		t.Errorf("vlan = %v", v)
	}
}

func TestPostFormMultiPageWizard(t *testing.T) {
	form := Wizard(
		FormPage{Title: "one", Fields: []FormField{{Name: "a", Required: true}}},
		FormPage{Title: "two", Fields: []FormField{{Name: "b", Required: true}}},
	)

	// One input for a two-page wizard: the error names the second page.
	_, err := PostForm(form, State{}, []map[string]any{{"a": 1}})
	var nc *FormNotCompleteError
	if !errors.As(err, &nc) || nc.Page.Title != "two" {
		t.Fatalf("err = %v, want incomplete at page two", err)
	}

	out, err := PostForm(Wizard(
		FormPage{Title: "one", Fields: []FormField{{Name: "a", Required: true}}},
		FormPage{Title: "two", Fields: []FormField{{Name: "b", Required: true}}},
	), State{}, []map[string]any{{"a": 1}, {"b": 2}})
	if err != nil {
		t.Fatalf("PostForm: %v", err)
	}
	if va, _ := out.Get("a"); va != 1 {
		t.Errorf("a = %v", va)
	}
	if vb, _ := out.Get("b"); vb != 2 {
		t.Errorf("b = %v", vb)
	}
}

func TestPostFormExtraKeysIgnored(t *testing.T) {
	form := Wizard(FormPage{Title: "p", Fields: []FormField{{Name: "a"}}})
	out, err := PostForm(form, State{}, []map[string]any{{"a": 1, "rogue": "x"}})
	if err != nil {
		t.Fatalf("PostForm: %v", err)
	}
	if _, ok := out.Get("rogue"); ok {
		t.Error("undeclared field accepted into state")
	}
}
