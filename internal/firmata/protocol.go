package firmata

// Message types.
const (
	analogMessage     byte = 0xE0
	digitalMessage    byte = 0x90
	setPinMode        byte = 0xF4
	reportVersion     byte = 0xF9
	startSysex        byte = 0xF0
	endSysex          byte = 0xF7
	capabilityQuery   byte = 0x6B
	capabilityResp    byte = 0x6C
	analogMapQuery    byte = 0x69
	analogMapResp     byte = 0x6A
	reportFirmware    byte = 0x79
	stringData        byte = 0x71
	serialMessage     byte = 0x60
	capabilityPinDone byte = 0x7F
)

// Serial sub-commands, or-ed with the port id.
const (
	serialConfig byte = 0x10
	serialWrite  byte = 0x20
	serialReply  byte = 0x40
	serialClose  byte = 0x50
)

// Pin modes.
const (
	ModeInput  = 0x00
	ModeOutput = 0x01
	ModeAnalog = 0x02
	ModePWM    = 0x03
	ModeServo  = 0x04
	ModeSerial = 0x0A
	ModePullup = 0x0B
)

// Pin levels.
const (
	Low  = 0
	High = 1
)

// Pin is one entry of the board's pin table.
type Pin struct {
	SupportedModes []int
	Mode           int
	Value          int
	AnalogChannel  int
}

// split7 encodes v as two 7-bit bytes, least significant first.
func split7(v int) (byte, byte) {
	return byte(v & 0x7F), byte((v >> 7) & 0x7F)
}
