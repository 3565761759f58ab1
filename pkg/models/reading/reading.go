package reading

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
	// MaxBatchSize bounds the readings accepted in one submission.
	MaxBatchSize = 1000
)

// Reading is one tag observation. ID is assigned on the device at capture
// time and makes uploads idempotent.
type Reading struct {
	ID         string     `json:"id" cbor:"1,keyasint" validate:"omitempty,max=64"`
	Timestamp  time.Time  `json:"timestamp" cbor:"2,keyasint"`
	DeviceID   string     `json:"device_id" cbor:"3,keyasint"`
	MacAddress string     `json:"mac_address" cbor:"4,keyasint"`
	EPC        string     `json:"epc" cbor:"5,keyasint" validate:"required,max=128"`
	Antenna    int        `json:"antenna" cbor:"6,keyasint" validate:"min=0,max=64"`
	RSSI       float64    `json:"rssi" cbor:"7,keyasint"`
	ReceivedAt *time.Time `json:"received_at,omitempty" cbor:"-"`
}

var validate = validator.New()

var ErrMissingTimestamp = errors.New("timestamp is required")

func (r Reading) Validate() error {
	if r.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return describe(verrs[0])
		}
		return err
	}
	return nil
}

func describe(fe validator.FieldError) error {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", field)
	case "min", "max":
		return fmt.Errorf("%s out of range (%s %s)", field, fe.Tag(), fe.Param())
	default:
		return fmt.Errorf("%s failed %s", field, fe.Tag())
	}
}

// Filter selects stored readings. Zero values mean "any".
type Filter struct {
	DeviceID string
	EPC      string
	From     *time.Time
	To       *time.Time
	Limit    int
}

// Normalize applies the default limit and caps it at MaxLimit.
func (f Filter) Normalize() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	return f
}

func (f Filter) Match(r Reading) bool {
	if f.DeviceID != "" && r.DeviceID != f.DeviceID {
		return false
	}
	if f.EPC != "" && r.EPC != f.EPC {
		return false
	}
	if f.From != nil && r.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && r.Timestamp.After(*f.To) {
		return false
	}
	return true
}

// Rejection reports one reading of a batch that was not stored.
type Rejection struct {
	Index  int    `json:"index"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
}

// BatchResult is the per batch acknowledgement. Duplicates are readings
// already stored by an earlier upload and count as accepted.
type BatchResult struct {
	Accepted   int         `json:"accepted"`
	Duplicates int         `json:"duplicates"`
	Rejected   []Rejection `json:"rejected"`
}

type Stats struct {
	Total   int64 `json:"total"`
	Last24h int64 `json:"last_24h"`
}
