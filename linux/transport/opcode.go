package transport

// HCI command opcodes are packed as ocf | (ogf << 10), the standard
// Bluetooth Core encoding (grounded on
// original_source/src/bluez/protocol/hci.rs's CommandType enum, which builds
// the same opcodes from OGF_LINK_CTL/OGF_LE_CTL and their OCF_* constants).
const (
	ogfLinkCtl = 0x01
	ogfLECtl   = 0x08
)

const (
	ocfDisconnect             = 0x0006
	ocfLESetScanParameters    = 0x000B
	ocfLESetScanEnable        = 0x000C
	ocfLECreateConnection     = 0x000D
	ocfLECreateConnCancel     = 0x000E
)

func opcode(ogf, ocf uint16) uint16 {
	return ocf | ogf<<10
}

var (
	opcodeDisconnect                = opcode(ogfLinkCtl, ocfDisconnect)
	opcodeLESetScanParameters       = opcode(ogfLECtl, ocfLESetScanParameters)
	opcodeLESetScanEnable           = opcode(ogfLECtl, ocfLESetScanEnable)
	opcodeLECreateConnection        = opcode(ogfLECtl, ocfLECreateConnection)
	opcodeLECreateConnectionCancel  = opcode(ogfLECtl, ocfLECreateConnCancel)
)
