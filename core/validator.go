package core

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate
var trans ut.Translator

// labels are the display names of json fields used in validation messages.
var labels = map[string]string{
	"email":            "Email",
	"password":         "Password",
	"password2":        "Password confirmation",
	"first_name":       "First name",
	"last_name":        "Last name",
	"bio":              "Bio",
	"topic":            "Topic",
	"room_name":        "Room name",
	"room_description": "Room description",
	"body":             "Message",
}

func init() {
	validate = validator.New()
	en := en.New()
	trans, _ = ut.New(en, en).GetTranslator("en")

	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return strings.ToLower(field.Name)
		}
		return name
	})

	register := func(tag, text string) {
		validate.RegisterTranslation(tag, trans, func(ut ut.Translator) error {
			return ut.Add(tag, text, true)
		}, func(ut ut.Translator, fe validator.FieldError) string {
			t, _ := ut.T(tag, label(fe.Field()), fe.Param())
			return t
		})
	}

	register("required", "{0} is required")
	register("email", "Please enter a valid email address")
	register("min", "{0} must be at least {1} characters")
	register("max", "{0} must be at most {1} characters")
	register("eqfield", "Passwords do not match")
	register("excludesall", "{0} cannot contain HTML")
}

func label(field string) string {
	if l, ok := labels[field]; ok {
		return l
	}
	return field
}

// Validate checks v against its validate tags. A rejected input is reported
// as a *ValidationError keyed by json field name.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	verr := &ValidationError{Fields: make(map[string]string, len(fieldErrs))}
	for _, fe := range fieldErrs {
		if _, ok := verr.Fields[fe.Field()]; ok {
			continue
		}
		verr.Fields[fe.Field()] = fe.Translate(trans)
	}
	return verr
}
