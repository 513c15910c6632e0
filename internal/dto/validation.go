package dto

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/prohmpiriya/school-tenancy/internal/apperr"
)

// MinPasswordLength is the shortest accepted password
const MinPasswordLength = 8

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// report json names so details match the request body
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// ValidEmail reports whether email matches the accepted pattern
func ValidEmail(email string) bool {
	return emailPattern.MatchString(email)
}

// checkStruct runs tag validation and converts failures to field errors
func checkStruct(v interface{}) *apperr.ValidationError {
	err := getValidator().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Field("body", err.Error())
	}
	fields := make([]apperr.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, apperr.FieldError{Field: fe.Field(), Message: tagMessage(fe)})
	}
	return apperr.NewValidationError(fields...)
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "email":
		return "must be a valid email"
	}
	return "is invalid"
}

// checkCredentials applies the ordered email and password checks that
// follow presence validation
func checkCredentials(email, password string) *apperr.ValidationError {
	if !ValidEmail(email) {
		return apperr.Field("email", "must be a valid email address")
	}
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return apperr.Field("password", "must be at least 8 characters")
	}
	return nil
}
