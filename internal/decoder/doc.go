// Package decoder turns camera frames into marker observations.
//
// A frame without a readable QR code, including a frame whose JPEG data is
// damaged, is an ordinary "no marker" observation. Only a malfunction of the
// decoder itself is reported as a DecodeError.
package decoder
