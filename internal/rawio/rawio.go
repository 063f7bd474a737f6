// Package rawio reads and writes headerless byte volumes, optionally
// zstd-compressed when the file name ends in .zst.
package rawio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"

	"lungseg/internal/models"
)

// CompressedExt marks files holding a zstd stream
const CompressedExt = ".zst"

// IsCompressed reports whether path names a zstd-compressed volume
func IsCompressed(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), CompressedExt)
}

// ReadVolume loads a volume of the given dimensions stored slice by slice,
// row by row. The file must hold exactly dims.Total() bytes once decompressed.
func ReadVolume(path string, dims models.Dims) (*models.Volume, error) {
	if !dims.Valid() {
		return nil, fmt.Errorf("invalid dimensions %s", dims)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open volume: %w", err)
	}
	defer file.Close()

	var r io.Reader = bufio.NewReader(file)
	if IsCompressed(path) {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	data := make([]byte, dims.Total())
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s is shorter than %s", models.ErrBufferSize, path, dims)
		}
		return nil, fmt.Errorf("failed to read volume: %w", err)
	}

	var extra [1]byte
	if n, _ := r.Read(extra[:]); n > 0 {
		return nil, fmt.Errorf("%w: %s is longer than %s", models.ErrBufferSize, path, dims)
	}

	return models.WrapVolume(data, dims)
}

// WriteVolume stores vol, compressing it when path ends in .zst
func WriteVolume(path string, vol *models.Volume) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	w := bufio.NewWriter(file)
	if err := writeData(w, vol.Data, IsCompressed(path)); err != nil {
		file.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("failed to write volume: %w", err)
	}
	return file.Close()
}

func writeData(w io.Writer, data []byte, compress bool) error {
	if !compress {
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("failed to write volume: %w", err)
		}
		return nil
	}

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return fmt.Errorf("failed to compress volume: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to compress volume: %w", err)
	}
	return nil
}
