package handlers

import (
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/enterprise-platform/identity-security/internal/delivery"
)

// RegisterValidations 注册自定义请求校验规则
//
// intl_phone允许带空格、横线、括号的国际号码，规范化后按E.164校验。
func RegisterValidations() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return nil
	}
	return v.RegisterValidation("intl_phone", func(fl validator.FieldLevel) bool {
		_, err := delivery.NormalizePhone(fl.Field().String())
		return err == nil
	})
}
