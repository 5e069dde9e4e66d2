package archive

import (
	"bytes"
	"io"

	"github.com/spf13/afero"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/errors"
)

var zipMagic = []byte{'P', 'K', 0x03, 0x04}

// tar magic sits at offset 257 of the first header block: "ustar\x00" for
// POSIX archives, "ustar " for GNU ones.
const (
	tarMagicOffset = 257
	tarHeaderLen   = 512
)

var tarMagics = [][]byte{
	[]byte("ustar\x00"),
	[]byte("ustar "),
}

// Sniff determines the format of the file at path by its content signature.
// Unrecognized content yields an IntegrityError.
func Sniff(fs afero.Fs, path string) (Format, error) {
	file, err := fs.Open(path)
	if err != nil {
		return FormatUnknown, err
	}
	defer func() { _ = file.Close() }()

	header := make([]byte, tarHeaderLen)
	n, err := io.ReadFull(file, header)
	if err != nil && err != io.ErrUnexpectedEOF {
		return FormatUnknown, errors.Wrapf(err, "reading header of %v", path)
	}
	header = header[:n]

	if bytes.HasPrefix(header, zipMagic) {
		return FormatZip, nil
	}
	if len(header) >= tarMagicOffset+len(tarMagics[0]) {
		at := header[tarMagicOffset:]
		for _, magic := range tarMagics {
			if bytes.HasPrefix(at, magic) {
				return FormatTar, nil
			}
		}
	}
	return FormatUnknown, &IntegrityError{Path: path, Err: errors.New("unsupported file type")}
}
