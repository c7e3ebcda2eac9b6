package cart

import (
	"errors"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"aasanpos/backend/internal/domain"
)

type lineCheck struct {
	Price         decimal.Decimal `validate:"gte=0"`
	Quantity      int             `validate:"gt=0"`
	DiscountType  string          `validate:"oneof=fixed percentage"`
	DiscountValue decimal.Decimal `validate:"gte=0"`
	Stock         int
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	v.RegisterStructValidation(checkBounds, lineCheck{})
	return v
}

func checkBounds(sl validator.StructLevel) {
	line := sl.Current().Interface().(lineCheck)

	if line.Quantity > line.Stock {
		sl.ReportError(line.Quantity, "Quantity", "quantity", "lte_stock", "")
	}
	switch domain.DiscountType(line.DiscountType) {
	case domain.DiscountPercentage:
		if line.DiscountValue.GreaterThan(decimal.NewFromInt(100)) {
			sl.ReportError(line.DiscountValue, "DiscountValue", "discount", "max_percentage", "100")
		}
	case domain.DiscountFixed:
		if line.DiscountValue.IsPositive() && line.DiscountValue.GreaterThanOrEqual(line.Price) {
			sl.ReportError(line.DiscountValue, "DiscountValue", "discount", "lt_price", "")
		}
	}
}

func validateLine(item domain.CartLineItem, stock int) error {
	err := validate.Struct(lineCheck{
		Price:         item.Price,
		Quantity:      item.Quantity,
		DiscountType:  string(item.Discount.Type),
		DiscountValue: item.Discount.Value,
		Stock:         stock,
	})
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	return &ValidationError{Fields: fields}
}
