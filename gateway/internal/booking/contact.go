package booking

import (
	"strings"

	"github.com/ttacon/libphonenumber"
)

// NormalizePhone parses raw in region and returns it in E.164.
func NormalizePhone(raw, region string) (string, error) {
	p, err := libphonenumber.Parse(raw, region)
	if err != nil {
		return "", err
	}
	if !libphonenumber.IsValidNumber(p) {
		return "", ErrInvalidContact
	}
	return libphonenumber.Format(p, libphonenumber.E164), nil
}

// normalize returns a copy of in with a canonical phone and email. A
// contact must carry at least one of them.
func (in ContactInput) normalize(region string) (ContactInput, error) {
	out := ContactInput{
		Email: strings.ToLower(strings.TrimSpace(in.Email)),
		Name:  strings.TrimSpace(in.Name),
	}
	if raw := strings.TrimSpace(in.Phone); raw != "" {
		phone, err := NormalizePhone(raw, region)
		if err != nil {
			return ContactInput{}, ErrInvalidContact
		}
		out.Phone = phone
	}
	if out.Phone == "" && out.Email == "" {
		return ContactInput{}, ErrInvalidContact
	}
	return out, nil
}
