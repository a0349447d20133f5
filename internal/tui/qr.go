package tui

import qrcode "github.com/skip2/go-qrcode"

// renderQR turns the login challenge payload into a terminal-sized QR block.
func renderQR(content string) (string, error) {
	q, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return "", err
	}
	return q.ToSmallString(false), nil
}
