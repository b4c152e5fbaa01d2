// Package testbot drives the physical test board: a Firmata-speaking
// microcontroller that switches the DUT's power rail and multiplexes its SD
// card between the DUT and the host.
//
// Power and SD commands travel as 3-byte frames [cmd, a, b] over the
// board's serial passthrough port 5 at 9600 baud. Mux selection and the
// status LED are plain GPIO pins:
//
//	LED         13  HIGH while the card is on the host side
//	SD_MUX_SEL  28  LOW = DUT, HIGH = host
//	USB_MUX_SEL 29  held LOW
//
// All multi-step sequences run under a single mutex so the board never
// sees interleaved sequences. Settle delays are part of each sequence.
package testbot
