package session

import (
	"encoding/base64"
	"errors"

	"github.com/skip2/go-qrcode"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/repository"
)

const qrImageSize = 256

// renderQRCode encodes code as a PNG data URL.
func renderQRCode(code string) (string, error) {
	if code == "" {
		return "", nil
	}
	png, err := qrcode.Encode(code, qrcode.Medium, qrImageSize)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}
