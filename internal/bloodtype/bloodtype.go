package bloodtype

import (
	"fmt"
	"strings"
)

// Type is an ABO group with its Rh factor, e.g. "O-".
type Type string

const (
	APos  Type = "A+"
	ANeg  Type = "A-"
	BPos  Type = "B+"
	BNeg  Type = "B-"
	ABPos Type = "AB+"
	ABNeg Type = "AB-"
	OPos  Type = "O+"
	ONeg  Type = "O-"
)

// All lists every type in a stable order. Reports and summaries iterate it.
var All = []Type{APos, ANeg, BPos, BNeg, ABPos, ABNeg, OPos, ONeg}

// donorsFor maps a recipient type to the donor types it can safely receive.
var donorsFor = map[Type][]Type{
	ONeg:  {ONeg},
	OPos:  {ONeg, OPos},
	ANeg:  {ONeg, ANeg},
	APos:  {ONeg, OPos, ANeg, APos},
	BNeg:  {ONeg, BNeg},
	BPos:  {ONeg, OPos, BNeg, BPos},
	ABNeg: {ONeg, ANeg, BNeg, ABNeg},
	ABPos: {ONeg, OPos, ANeg, APos, BNeg, BPos, ABNeg, ABPos},
}

// Parse normalises s ("ab+", " O- ") and validates it.
func Parse(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown blood type %q", s)
	}
	return t, nil
}

func (t Type) Valid() bool {
	_, ok := donorsFor[t]
	return ok
}

func (t Type) String() string { return string(t) }

// CanDonateTo reports whether blood of type t may be given to recipient.
func (t Type) CanDonateTo(recipient Type) bool {
	for _, d := range donorsFor[recipient] {
		if d == t {
			return true
		}
	}
	return false
}

// CompatibleDonors returns the donor types acceptable for recipient.
// The returned slice is a copy.
func CompatibleDonors(recipient Type) []Type {
	src := donorsFor[recipient]
	out := make([]Type, len(src))
	copy(out, src)
	return out
}

// Recipients returns every type that can receive blood of type t.
func Recipients(t Type) []Type {
	out := make([]Type, 0, len(All))
	for _, r := range All {
		if t.CanDonateTo(r) {
			out = append(out, r)
		}
	}
	return out
}
