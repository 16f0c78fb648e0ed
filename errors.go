package dlsym

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/appsworld/go-dlsym/pkg/trie"
)

var (
	// ErrMalformedImage reports a header or load command that cannot be
	// trusted.
	ErrMalformedImage = errors.New("malformed Mach-O image")
	// ErrMalformedTrie reports corrupt export trie bytes.
	ErrMalformedTrie = trie.ErrMalformedTrie
	// ErrSymbolNotFound is returned when no symbol matches a name or address.
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrAddressNotOwned is returned when no registered image contains an
	// address.
	ErrAddressNotOwned = errors.New("address not owned by any registered image")
	// ErrNoDWARF is returned for images without usable debug sections.
	ErrNoDWARF = errors.New("no DWARF debug info")
	// ErrImageConflict is returned by GetOrParse when a different image is
	// already registered at the same address.
	ErrImageConflict = errors.New("another image is registered at this address")
)

// FormatError is returned by Parse if the data does not have the correct
// format for a Mach-O image.
type FormatError struct {
	Off int64
	Msg string
	Val interface{}
}

func (e *FormatError) Error() string {
	msg := e.Msg
	if e.Val != nil {
		msg += fmt.Sprintf(" '%v'", e.Val)
	}
	msg += fmt.Sprintf(" in record at byte %#x", e.Off)
	return msg
}

func (e *FormatError) Unwrap() error { return ErrMalformedImage }

// notFound maps the trie's miss onto the package sentinel.
func notFound(err error) error {
	if errors.Is(err, trie.ErrSymbolNotFound) {
		return ErrSymbolNotFound
	}
	return err
}
