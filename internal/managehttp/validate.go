package managehttp

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/keithlinneman/linnemanlabs-sites/internal/sites"
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// registration only fails for empty tags or nil funcs
	_ = v.RegisterValidation("subdomain", subdomainValidator)
	_ = v.RegisterValidation("origin", originValidator)
	return v
}

func subdomainValidator(fl validator.FieldLevel) bool {
	return sites.ValidName(fl.Field().String())
}

func originValidator(fl validator.FieldLevel) bool {
	_, ok := sites.NormalizeOrigin(fl.Field().String())
	return ok
}

// validationMessage renders the first failed rule for the client.
func validationMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "origin":
		return fmt.Sprintf("%s must be * or scheme://host[:port]", fe.Field())
	case "subdomain":
		return fmt.Sprintf("%s must be a lowercase DNS label", fe.Field())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
