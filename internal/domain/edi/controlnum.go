package edi

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/ehr/claimsedi/internal/platform/x12"
)

// Control numbers are nine digits; values never start with a zero digit.
const (
	minControlNumber int64 = 100000000
	maxControlNumber int64 = 999999999
)

// ControlNumbers identifies one interchange at each envelope level: ISA13,
// GS06 and ST02.
type ControlNumbers struct {
	Interchange int64
	Group       int64
	Transaction int64
}

// ISA13 is the interchange control number zero-padded to nine digits.
func (c ControlNumbers) ISA13() string { return x12.ZeroPad(c.Interchange, 9) }

// ControlNumberAllocator hands out control numbers for a payer.
type ControlNumberAllocator interface {
	Next(ctx context.Context, payerID string) (ControlNumbers, error)
}

// RandomAllocator draws each level independently and uniformly from the
// nine-digit range. Nothing is persisted, so numbers can repeat. The only
// failure is a context that is already done.
type RandomAllocator struct{}

func (RandomAllocator) Next(ctx context.Context, payerID string) (ControlNumbers, error) {
	if err := ctx.Err(); err != nil {
		return ControlNumbers{}, err
	}
	return ControlNumbers{
		Interchange: randomControlNumber(),
		Group:       randomControlNumber(),
		Transaction: randomControlNumber(),
	}, nil
}

func randomControlNumber() int64 {
	return minControlNumber + rand.Int64N(maxControlNumber-minControlNumber+1)
}

// ParseAllocatorMode validates an EDI_CONTROL_NUMBERS value.
func ParseAllocatorMode(s string) (string, error) {
	switch mode := strings.ToLower(strings.TrimSpace(s)); mode {
	case "", "sequence":
		return "sequence", nil
	case "random":
		return "random", nil
	default:
		return "", fmt.Errorf("unknown control number mode %q (want sequence or random)", s)
	}
}
