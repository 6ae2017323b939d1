package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := validate.RegisterValidation("significancekey", whitelist(SignificanceKeys)); err != nil {
		panic(fmt.Sprintf("failed to register significance key validator: %v", err))
	}
	if err := validate.RegisterValidation("relationshipkey", whitelist(RelationshipKeys)); err != nil {
		panic(fmt.Sprintf("failed to register relationship key validator: %v", err))
	}
}

func whitelist(keys []string) validator.Func {
	return func(fl validator.FieldLevel) bool {
		return slices.Contains(keys, fl.Field().String())
	}
}

// Validate checks r against the memory schema: 1-10 memories, bounded
// scores and whitelisted component and relationship keys.
func Validate(r *MemoryLLMResponse) error {
	if r == nil {
		return errors.New("nil response")
	}
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "MemoryLLMResponse.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "eq":
		return fmt.Sprintf("%s must be %q", field, fe.Param())
	case "min", "max":
		return fmt.Sprintf("%s violates %s=%s", field, fe.Tag(), fe.Param())
	case "gte", "lte":
		return fmt.Sprintf("%s=%v out of range (%s %s)", field, fe.Value(), fe.Tag(), fe.Param())
	case "significancekey", "relationshipkey":
		return fmt.Sprintf("%s: key %q is not allowed", field, fe.Value())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

// decode turns well-formed JSON into a validated response. A syntax failure
// is KindParsing; anything else wrong is KindValidation.
func decode(raw string) (*MemoryLLMResponse, bool, *ParseError) {
	if !gjson.Valid(raw) {
		return nil, false, &ParseError{Kind: KindParsing, Message: "invalid JSON", Recoverable: true}
	}
	doc := gjson.Parse(raw)
	if !doc.IsObject() {
		return nil, false, validationError("top-level value is not an object", nil)
	}

	switch {
	case doc.Get("memories").Exists():
		var resp MemoryLLMResponse
		if err := json.Unmarshal([]byte(raw), &resp); err != nil {
			return nil, false, validationError("memories do not match the schema", err)
		}
		if err := Validate(&resp); err != nil {
			return nil, false, validationError("schema validation failed", err)
		}
		return &resp, false, nil

	case doc.Get("memory").IsObject():
		var legacy legacyResponse
		if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
			return nil, true, validationError("legacy memory does not match the schema", err)
		}
		resp := &MemoryLLMResponse{
			SchemaVersion: SchemaVersion,
			Memories:      []MemoryItem{*legacy.Memory},
		}
		if err := Validate(resp); err != nil {
			return nil, true, validationError("legacy schema validation failed", err)
		}
		return resp, true, nil

	default:
		return nil, false, validationError(`document has neither "memories" nor "memory"`, nil)
	}
}

func validationError(msg string, err error) *ParseError {
	return &ParseError{Kind: KindValidation, Message: msg, Recoverable: false, Err: err}
}
