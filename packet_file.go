package zsock

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileSendPacket streams a file from disk. The file is opened on the first
// Read and closed when the packet completes or is canceled.
type FileSendPacket struct {
	cancelFlag
	path   string
	length int64
	file   *os.File
}

func NewFileSendPacket(path string) (*FileSendPacket, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	return &FileSendPacket{path: path, length: info.Size()}, nil
}

func (p *FileSendPacket) Type() PacketType { return PacketTypeFile }
func (p *FileSendPacket) Length() int64    { return p.length }
func (p *FileSendPacket) Path() string     { return p.path }

func (p *FileSendPacket) Read(b []byte) (n int, err error) {
	if p.file == nil {
		if p.file, err = os.Open(p.path); err != nil {
			return 0, err
		}
	}
	n, err = p.file.Read(b)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (p *FileSendPacket) Close() error {
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	return err
}

// FileReceivePacket writes a received body into a new file.
type FileReceivePacket struct {
	file   *os.File
	path   string
	length int64
}

func NewFileReceivePacket(dir string, length int64) (*FileReceivePacket, error) {
	f, err := os.CreateTemp(dir, "zsock-*.recv")
	if err != nil {
		return nil, err
	}
	return &FileReceivePacket{file: f, path: f.Name(), length: length}, nil
}

func (p *FileReceivePacket) Type() PacketType { return PacketTypeFile }
func (p *FileReceivePacket) Length() int64    { return p.length }

// Path is the location of the received file.
func (p *FileReceivePacket) Path() string { return p.path }

// Name is the base name of Path.
func (p *FileReceivePacket) Name() string { return filepath.Base(p.path) }

func (p *FileReceivePacket) Write(b []byte) (int, error) {
	if p.file == nil {
		return 0, os.ErrClosed
	}
	return p.file.Write(b)
}

func (p *FileReceivePacket) Close() error {
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	return err
}
