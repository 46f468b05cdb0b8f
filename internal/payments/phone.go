package payments

import (
	"regexp"
	"strings"

	"rehoboth/internal/apperrors"

	"github.com/shopspring/decimal"
)

var phonePattern = regexp.MustCompile(`^254\d{9}$`)

// NormalizePhone turns local ("0712345678") and international ("+254 712 345 678") spellings into
// the 254XXXXXXXXX form the provider expects.
func NormalizePhone(raw string) (string, error) {
	phone := strings.Join(strings.Fields(raw), "")
	phone = strings.TrimPrefix(phone, "+")
	if strings.HasPrefix(phone, "0") {
		phone = "254" + phone[1:]
	}
	if !phonePattern.MatchString(phone) {
		return "", apperrors.ErrInvalidPhone
	}
	return phone, nil
}

// WholeAmount rounds an amount to whole shillings, half away from zero.
func WholeAmount(amount float64) int64 {
	return decimal.NewFromFloat(amount).Round(0).IntPart()
}
