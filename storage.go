package peerwire

import (
	"crypto/sha1"
	"io"
	"os"

	"github.com/quaylabs/peerwire/blocks"
)

// Storage is the piece-data contract a Session consumes. It never appears on the wire; a Session
// calls it to satisfy incoming requests and to persist pieces once they verify.
type Storage interface {
	ReadPiece(index int) ([]byte, error)
	WritePiece(index int, data []byte) error
	VerifyPiece(index int) (bool, error)
	PieceLength(index int) int64
	NumPieces() int
}

// FileStorage is the default Storage: one torrent's data held in a single backing file, piece
// boundaries computed from a blocks.Layout, completion checked against an expected SHA-1 per
// piece. It mirrors the teacher's file-backed storage in spirit - io.ReaderAt/io.WriterAt into a
// pre-sized file at a piece's byte extent - without the teacher's multi-file segment locator,
// since this core only ever has one dataset per session.
type FileStorage struct {
	f      *os.File
	layout blocks.Layout
	hashes PieceHashes
}

// OpenFileStorage opens (creating and truncating to the right size if necessary) a single file at
// path to back layout's data.
func OpenFileStorage(path string, layout blocks.Layout, hashes PieceHashes) (*FileStorage, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(layout.TotalLength); err != nil {
		f.Close()
		return nil, err
	}
	return &FileStorage{f: f, layout: layout, hashes: hashes}, nil
}

func (s *FileStorage) pieceOffset(index int) int64 {
	return int64(index) * s.layout.PieceLength
}

func (s *FileStorage) ReadPiece(index int) ([]byte, error) {
	buf := make([]byte, s.layout.PieceLen(index))
	if _, err := s.f.ReadAt(buf, s.pieceOffset(index)); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

func (s *FileStorage) WritePiece(index int, data []byte) error {
	_, err := s.f.WriteAt(data, s.pieceOffset(index))
	return err
}

func (s *FileStorage) VerifyPiece(index int) (bool, error) {
	buf, err := s.ReadPiece(index)
	if err != nil {
		return false, err
	}
	return sha1.Sum(buf) == s.hashes.PieceHash(index), nil
}

func (s *FileStorage) PieceLength(index int) int64 { return s.layout.PieceLen(index) }

func (s *FileStorage) NumPieces() int { return s.layout.NumPieces() }

// Close releases the backing file handle.
func (s *FileStorage) Close() error { return s.f.Close() }
