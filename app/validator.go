package chatcampus

import (
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
)

var validate *validator.Validate
var uniTrans *ut.UniversalTranslator

func init() {

	validate = validator.New()
	en := en.New()
	uniTrans = ut.New(en, en)
	enTrans, _ := uniTrans.GetTranslator("en")

	// report fields by their config key
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" {
			return strings.ToLower(field.Name)
		}
		return name
	})

	validate.RegisterValidation("wsurl", func(fl validator.FieldLevel) bool {
		u, err := url.Parse(fl.Field().String())
		if err != nil {
			return false
		}
		return (u.Scheme == "ws" || u.Scheme == "wss") && u.Host != ""
	})

	register := func(tag, text string) {
		validate.RegisterTranslation(tag, enTrans, func(ut ut.Translator) error {
			return ut.Add(tag, text, true)
		}, func(ut ut.Translator, fe validator.FieldError) string {
			t, _ := ut.T(tag, configKey(fe), fe.Param())
			return t
		})
	}

	register("required", "{0} is a required field")
	register("url", "{0} must be a valid URL")
	register("wsurl", "{0} must be a ws:// or wss:// URL")
	register("hostname_port", "{0} must be a host:port address")
	register("oneof", "{0} must be one of [{1}]")
	register("gt", "{0} must be greater than {1}")
	register("gte", "{0} must be at least {1}")
	register("required_with", "{0} is required when {1} is set")
}

// configKey turns the validator namespace into the dotted config key, for
// example Config.live.reconnect.max_attempts into live.reconnect.max_attempts.
func configKey(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
