package connect

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// comparable
// ids are ulids so ids created by the same process sort by creation time,
// in both byte and string form
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

// uuid form, used for frame call ids
func (self Id) String() string {
	return encodeUuid(self)
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}
