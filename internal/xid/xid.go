package xid

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// New returns a random identifier, optionally prefixed.
func New(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// SaleID formats the client-generated sale id, SALE-<unix millis>.
func SaleID(at time.Time) string {
	return "SALE-" + strconv.FormatInt(at.UnixMilli(), 10)
}

// SaleNumber is the receipt number: SN- followed by the last eight digits of
// the unix millis.
func SaleNumber(at time.Time) string {
	ms := strconv.FormatInt(at.UnixMilli(), 10)
	if len(ms) > 8 {
		ms = ms[len(ms)-8:]
	}
	return "SN-" + ms
}

// TempCustomerID is a negative id for customers created while offline.
func TempCustomerID(at time.Time) int64 {
	return -at.UnixMilli()
}
