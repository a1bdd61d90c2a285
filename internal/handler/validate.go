package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/DukeRupert/academy-billing/internal/domain"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

// maxBodyBytes caps request bodies. Webhooks use their own limit.
const maxBodyBytes = 64 << 10

var (
	validate   *validator.Validate
	translator ut.Translator

	tierTag  = "tier"
	cycleTag = "cycle"
)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	english := en.New()
	uni := ut.New(english, english)
	translator, _ = uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(validate, translator)

	// Report JSON field names, not Go names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = validate.RegisterValidation(tierTag, func(fl validator.FieldLevel) bool {
		return domain.IsKnownTier(domain.PlanTier(fl.Field().String()))
	})
	_ = validate.RegisterValidation(cycleTag, func(fl validator.FieldLevel) bool {
		return domain.BillingCycle(fl.Field().String()).IsValid()
	})

	registerFn := func(ut.Translator) error { return nil }
	for _, tag := range []string{tierTag, cycleTag} {
		_ = validate.RegisterTranslation(tag, translator, registerFn, translateCustom)
	}
}

func translateCustom(_ ut.Translator, fe validator.FieldError) string {
	switch fe.Tag() {
	case tierTag:
		return fmt.Sprintf("%s must be one of free, basic, pro, enterprise", fe.Field())
	case cycleTag:
		return fmt.Sprintf("%s must be monthly or yearly", fe.Field())
	default:
		return fe.Error()
	}
}

// requestError is a malformed or invalid request body.
type requestError struct {
	message string
	fields  map[string]string
}

func (e *requestError) Error() string { return e.message }

// decodeJSON reads a JSON body into dst and validates it. Unknown fields
// are rejected.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return &requestError{message: "Request body is required"}
		}
		return &requestError{message: "Request body is not valid JSON: " + err.Error()}
	}

	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return &requestError{message: err.Error()}
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Translate(translator)
		}
		return &requestError{message: "Validation failed", fields: fields}
	}
	return nil
}

// writeRequestError writes a 400 for a body decodeJSON rejected. Other
// errors go through ErrorResponse.
func writeRequestError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var re *requestError
	if !errors.As(err, &re) {
		ErrorResponse(w, r, logger, err)
		return
	}

	logger.Info("invalid request body",
		"path", r.URL.Path,
		"field_count", len(re.fields),
	)

	var body JSONError
	body.Error.Code = domain.EINVALID
	body.Error.Message = re.message
	body.Error.Fields = re.fields
	writeJSON(w, http.StatusBadRequest, body)
}
