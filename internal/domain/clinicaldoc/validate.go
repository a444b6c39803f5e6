package clinicaldoc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateContent checks content against the schema of docType. Keys that the
// schema does not know are rejected.
func validateContent(docType DocumentType, content map[string]any) error {
	if len(content) == 0 {
		return newValidationError("content", "is required")
	}

	var target any
	switch docType {
	case TypeClinicalNote:
		target = &ClinicalNoteContent{}
	case TypeTreatmentPlan:
		target = &TreatmentPlanContent{}
	default:
		return newValidationError("document_type", fmt.Sprintf("unknown type %q", docType))
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return newValidationError("content", "is not valid JSON")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return decodeError(err)
	}

	if err := validate.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return newValidationError("content", err.Error())
		}
		out := &ValidationError{Fields: make(map[string]string, len(verrs))}
		for _, fe := range verrs {
			out.Fields[fieldPath(fe)] = describe(fe)
		}
		return out
	}
	return nil
}

func decodeError(err error) *ValidationError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return newValidationError(typeErr.Field, "has the wrong type, expected "+typeErr.Type.String())
	}
	// json: unknown field "foo"
	if msg := err.Error(); strings.HasPrefix(msg, "json: unknown field ") {
		field := strings.Trim(strings.TrimPrefix(msg, "json: unknown field "), `"`)
		return newValidationError(field, "is not a known field")
	}
	return newValidationError("content", err.Error())
}

// fieldPath drops the leading struct name: "ClinicalNoteContent.note_type" -> "note_type".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "datetime":
		return "must be a date formatted YYYY-MM-DD"
	case "uuid":
		return "must be a UUID"
	case "min":
		if fe.Kind().String() == "slice" {
			return "must have at least " + fe.Param() + " item(s)"
		}
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	}
	return "failed " + fe.Tag() + " validation"
}
