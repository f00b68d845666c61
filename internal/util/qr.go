package util

import (
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// PrintTerminalQR renders value as a small QR code on stdout. The code is a
// convenience for phones on the same LAN; rendering failures are skipped
// rather than surfaced.
func PrintTerminalQR(value string) {
	qr, err := qrcode.New(value, qrcode.Medium)
	if err != nil {
		return
	}
	fmt.Print(qr.ToSmallString(false))
}
