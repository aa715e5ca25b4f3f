package stroom

import "fmt"

// FormField describes one input field of a form page.
type FormField struct {
	Name     string
	Type     string // "string", "int", "bool", "uuid", ...
	Required bool
	Nullable bool
	Default  any
	// Validate, when set, checks the submitted value after the built-in
	// required/nullable handling. Return an error to reject the value.
	Validate func(value any) error
}

// FormPage is one schema presented to the user. A wizard yields several
// pages in sequence.
type FormPage struct {
	Title  string
	Fields []FormField
}

// FormIterator is the explicit iterator-style form contract: NextForm
// yields the next schema to present (or done when input gathering is
// finished), Submit consumes one user-supplied mapping, and Value returns
// the accumulated validated fields.
type FormIterator interface {
	NextForm(st State) (page FormPage, done bool)
	Submit(input map[string]any) error
	Value() State
}

// FormNotCompleteError is raised by PostForm when the user inputs ran out
// before the form finished; Page is the next schema to present.
type FormNotCompleteError struct {
	Page FormPage
}

func (e *FormNotCompleteError) Error() string {
	return fmt.Sprintf("form not complete: next page %q", e.Page.Title)
}

// FieldError is one per-field validation failure.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError rejects a form submission, listing per-field errors.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 1 {
		return fmt.Sprintf("validation failed: %s: %s", e.Fields[0].Field, e.Fields[0].Message)
	}
	return fmt.Sprintf("validation failed: %d fields", len(e.Fields))
}

// PostForm drives a form to completion against a list of user inputs,
// one mapping per page. Returns the merged validated fields, or a
// FormNotCompleteError carrying the next schema when inputs run out, or
// a ValidationError when a submission is invalid. The process state is
// never touched on error.
func PostForm(form FormFunc, st State, inputs []map[string]any) (State, error) {
	if form == nil {
		return State{}, nil
	}
	it := form(st)
	if it == nil {
		return State{}, nil
	}
	i := 0
	for {
		page, done := it.NextForm(st)
		if done {
			return it.Value(), nil
		}
		if i >= len(inputs) {
			return nil, &FormNotCompleteError{Page: page}
		}
		if err := it.Submit(inputs[i]); err != nil {
			return nil, err
		}
		i++
	}
}

// --- Wizard: the standard FormIterator over a fixed page sequence ---

// wizard walks a fixed sequence of pages, validating each submission and
// accumulating fields.
type wizard struct {
	pages  []FormPage
	at     int
	values State
}

// NewWizard returns a FormIterator over a fixed sequence of pages.
func NewWizard(pages ...FormPage) FormIterator {
	return &wizard{pages: pages, values: State{}}
}

// Wizard wraps NewWizard into a FormFunc for InputStep and workflow
// initial forms.
func Wizard(pages ...FormPage) FormFunc {
	return func(State) FormIterator { return NewWizard(pages...) }
}

func (w *wizard) NextForm(State) (FormPage, bool) {
	if w.at >= len(w.pages) {
		return FormPage{}, true
	}
	return w.pages[w.at], false
}

func (w *wizard) Submit(input map[string]any) error {
	if w.at >= len(w.pages) {
		return &ValidationError{Fields: []FieldError{{Field: "", Message: "no page awaiting input"}}}
	}
	page := w.pages[w.at]
	var errs []FieldError
	out := State{}
	for _, f := range page.Fields {
		v, ok := input[f.Name]
		if !ok {
			if f.Default != nil {
				out[f.Name] = f.Default
				continue
			}
			if f.Required {
				errs = append(errs, FieldError{Field: f.Name, Message: "required"})
			}
			continue
		}
		// Empty strings for nullable fields normalize to null so the
		// persisted state matches the column semantics.
		if s, isStr := v.(string); isStr && s == "" && f.Nullable {
			out[f.Name] = nil
			continue
		}
		if f.Validate != nil {
			if err := f.Validate(v); err != nil {
				errs = append(errs, FieldError{Field: f.Name, Message: err.Error()})
				continue
			}
		}
		out[f.Name] = v
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	w.values = w.values.Merge(out)
	w.at++
	return nil
}

func (w *wizard) Value() State { return w.values }
