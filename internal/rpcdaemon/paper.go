package rpcdaemon

import (
	"encoding/base64"
	"strings"

	"meshrund/internal/codeerr"
)

// paperScheme is the URI scheme for paper-encoded messages (spec.md §6
// "Paper URI. lxm://<base64url payload>; first 32 characters of the body
// encode the destination").
const paperScheme = "lxm://"

// destinationHexLen is the width of the hex-encoded 16-byte destination
// address prefixing a paper body.
const destinationHexLen = 32

// PaperEncodeParams is paper.encode's request shape.
type PaperEncodeParams struct {
	DestinationHex string `json:"destination_hex"`
	PayloadBase64  string `json:"payload_base64"`
}

// PaperEncodeResult carries the resulting lxm:// URI.
type PaperEncodeResult struct {
	URI string `json:"uri"`
}

// PaperEncode implements paper.encode.
func (d *Daemon) PaperEncode(p PaperEncodeParams) (*PaperEncodeResult, *codeerr.Error) {
	if len(p.DestinationHex) != destinationHexLen {
		return nil, codeerr.Validation(codeerr.ValidationInvalidArgument, "destination_hex must be 32 hex characters")
	}
	payload, err := base64.StdEncoding.DecodeString(p.PayloadBase64)
	if err != nil {
		return nil, codeerr.Validation(codeerr.ValidationInvalidArgument, "payload_base64 is not valid base64")
	}
	body := strings.ToLower(p.DestinationHex) + base64.URLEncoding.EncodeToString(payload)
	return &PaperEncodeResult{URI: paperScheme + body}, nil
}

// PaperDecodeParams is paper.decode's request shape.
type PaperDecodeParams struct {
	URI string `json:"uri"`
}

// PaperDecodeResult is the destination/payload recovered from a paper URI.
type PaperDecodeResult struct {
	DestinationHex string `json:"destination_hex"`
	PayloadBase64  string `json:"payload_base64"`
}

// PaperDecode implements paper.decode.
func (d *Daemon) PaperDecode(p PaperDecodeParams) (*PaperDecodeResult, *codeerr.Error) {
	if !strings.HasPrefix(p.URI, paperScheme) {
		return nil, codeerr.Validation(codeerr.ValidationInvalidArgument, "not a paper uri")
	}
	body := strings.TrimPrefix(p.URI, paperScheme)
	if len(body) < destinationHexLen {
		return nil, codeerr.Validation(codeerr.ValidationInvalidArgument, "paper uri body too short")
	}
	destHex := body[:destinationHexLen]
	payload, err := base64.URLEncoding.DecodeString(body[destinationHexLen:])
	if err != nil {
		return nil, codeerr.Validation(codeerr.ValidationInvalidArgument, "malformed paper uri payload")
	}
	return &PaperDecodeResult{DestinationHex: destHex, PayloadBase64: base64.StdEncoding.EncodeToString(payload)}, nil
}
