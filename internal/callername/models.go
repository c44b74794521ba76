package callername

import (
	"errors"
	"strings"
	"time"
)

var ErrInvalidNumber = errors.New("callername: not a valid phone number")

type NameType string

const (
	NameTypeBusiness     NameType = "business"
	NameTypeConsumer     NameType = "consumer"
	NameTypeUndetermined NameType = "undetermined"
)

type CarrierType string

const (
	CarrierLandline CarrierType = "landline"
	CarrierMobile   CarrierType = "mobile"
	CarrierVoIP     CarrierType = "voip"
)

// Info is the canonical caller-name record, keyed by E.164 number.
type Info struct {
	// Number is normalized E.164 including the leading plus.
	Number string `json:"number" db:"number"`

	CallerName     string   `json:"caller_name" db:"caller_name"`
	CallerNameType NameType `json:"caller_name_type" db:"caller_name_type"`

	CarrierType       CarrierType `json:"carrier_type" db:"carrier_type"`
	Source            string      `json:"source" db:"source"`
	MobileCountryCode string      `json:"mobile_country_code" db:"mobile_country_code"`
	MobileNetworkCode string      `json:"mobile_network_code" db:"mobile_network_code"`

	IsKnownInsuranceProvider bool `json:"is_known_insurance_provider" db:"is_known_insurance_provider"`

	ModifiedAt time.Time `json:"modified_at" db:"modified_at"`
}

// Fresh reports whether the record is younger than the TTL.
func (i Info) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(i.ModifiedAt) < ttl
}

// NormalizeE164 canonicalizes a dialed number. Ten-digit NANP numbers
// get the +1 prefix; an existing country code is preserved.
func NormalizeE164(raw string) (string, error) {
	var digits strings.Builder
	hadPlus := strings.HasPrefix(strings.TrimSpace(raw), "+")
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	switch {
	case len(d) < 7 || len(d) > 15:
		return "", ErrInvalidNumber
	case hadPlus:
		return "+" + d, nil
	case len(d) == 10:
		return "+1" + d, nil
	case len(d) == 11 && d[0] == '1':
		return "+" + d, nil
	default:
		return "+" + d, nil
	}
}

// AreaCode extracts the NANP area code from an E.164 number, or ""
// for non-NANP numbers.
func AreaCode(e164 string) string {
	if strings.HasPrefix(e164, "+1") && len(e164) == 12 {
		return e164[2:5]
	}
	return ""
}
