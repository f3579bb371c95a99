package session

import (
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

const qrImageSize = 256

// encodePairingCode renders the raw pairing challenge as a PNG QR image and
// wraps it as a data URL, which is what dashboards render directly into an
// <img> tag.
func encodePairingCode(challenge string) (string, error) {
	png, err := qrcode.Encode(challenge, qrcode.Medium, qrImageSize)
	if err != nil {
		return "", fmt.Errorf("encode pairing code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
