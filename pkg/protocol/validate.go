package protocol

import (
	stderrors "errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/tokmz/qichat/pkg/errors"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Issue 单条校验问题
type Issue struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Param string `json:"param,omitempty"`
}

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(jsonFieldName)
	})
	return validate
}

// Validate 归一化并校验负载，失败时返回带 issues 的 MALFORMED_MESSAGE
func Validate(v any) error {
	if n, ok := v.(Normalizer); ok {
		n.Normalize()
	}

	err := validatorInstance().Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return errors.ErrMalformed.WithError(err)
	}

	issues := make([]Issue, 0, len(verrs))
	for _, fe := range verrs {
		issues = append(issues, Issue{
			Field: fe.Field(),
			Rule:  fe.Tag(),
			Param: fe.Param(),
		})
	}
	return errors.ErrMalformed.WithMessage("payload validation failed").WithDetails(issues)
}

// jsonFieldName 校验问题使用 json 字段名
func jsonFieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return f.Name
	}
	return name
}
