package net

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
)

// ErrFrameTooLarge is returned when a peer announces a frame above the
// transport limit.
var ErrFrameTooLarge = errors.New("frame too large")

// writeFrame writes the uvarint length of data followed by data.
func writeFrame(w *bufio.Writer, data []byte) error {
	var header [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(header[:], uint64(len(data)))
	if _, err := w.Write(header[:n]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// readFrame reads one frame written by writeFrame.
func readFrame(r *bufio.Reader, max int) ([]byte, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if size > uint64(max) {
		return nil, ErrFrameTooLarge
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
