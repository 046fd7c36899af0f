package socketcan

import (
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-canbuf/internal/can"
)

// frameMTU is sizeof(struct can_frame).
const frameMTU = 16

// unpack decodes struct can_frame (linux/can.h):
//
//	can_id  u32   [0:4]  (includes EFF/RTR/ERR flags)
//	can_dlc u8    [4]
//	pad     3B    [5:8]
//	data    [8]   [8:16]
//
// Fields are in host byte order.
func unpack(buf []byte, fr *can.RawFrame) error {
	if len(buf) != frameMTU {
		return fmt.Errorf("short read: %d", len(buf))
	}
	dlc := int(buf[4])
	if dlc > 8 {
		dlc = 8
	}
	fr.CANID = binary.NativeEndian.Uint32(buf[0:4])
	fr.Len = uint8(dlc)
	fr.Data = [8]byte{}
	copy(fr.Data[:], buf[8:8+dlc])
	return nil
}
