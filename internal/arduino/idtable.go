package arduino

import (
	"bufio"
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/HerbHall/robobridge/pkg/models"
)

//go:embed arduino-ids.txt
var defaultIDs []byte

// maxLineLength bounds a single ID table line; longer lines are rejected
// without stopping the parse.
const maxLineLength = 4096

// ErrorKind classifies a rejected ID table line.
type ErrorKind string

const (
	ErrInvalidVendorID  ErrorKind = "INVALID_VENDOR_ID"
	ErrInvalidProductID ErrorKind = "INVALID_PRODUCT_ID"
	ErrInvalidType      ErrorKind = "INVALID_TYPE"
	ErrMalformedLine    ErrorKind = "MALFORMED_LINE"
	ErrIO               ErrorKind = "IO_ERROR"
)

// LineError reports one rejected line. Line is 1-based; 0 means the file
// could not be read.
type LineError struct {
	Line int
	Kind ErrorKind
	Err  error
}

func (e LineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("line %d: %s: %v", e.Line, e.Kind, e.Err)
	}
	return fmt.Sprintf("line %d: %s", e.Line, e.Kind)
}

// LoadErrors aggregates the rejected lines of one load.
type LoadErrors []LineError

func (e LoadErrors) Error() string {
	parts := make([]string, len(e))
	for i, le := range e {
		parts[i] = le.Error()
	}
	return "arduino id table: " + strings.Join(parts, "; ")
}

// USBID is a normalised vendor/product pair (4 lower case hex digits each).
type USBID struct {
	VendorID  string
	ProductID string
}

func (id USBID) String() string { return id.VendorID + ":" + id.ProductID }

// Entry maps a USB id to a board type.
type Entry struct {
	USBID
	Type models.ArduinoType
}

// IDTable maps USB ids to board types, preserving file order.
type IDTable struct {
	entries  []Entry
	index    map[USBID]models.ArduinoType
	embedded bool
}

// Entries returns the entries in file order.
func (t *IDTable) Entries() []Entry {
	return append([]Entry(nil), t.entries...)
}

// Len returns the number of entries.
func (t *IDTable) Len() int { return len(t.entries) }

// Embedded reports whether the table came from the built-in defaults.
func (t *IDTable) Embedded() bool { return t.embedded }

// Lookup resolves a vendor/product pair in any hex spelling.
func (t *IDTable) Lookup(vendorID, productID string) (models.ArduinoType, bool) {
	id, err := parseID(vendorID, productID)
	if err != nil {
		return "", false
	}
	typ, ok := t.index[id]
	return typ, ok
}

// DefaultIDTable returns the built-in table.
func DefaultIDTable() *IDTable {
	t, _ := ParseIDTable(bytes.NewReader(defaultIDs))
	t.embedded = true
	return t
}

// LoadIDTable reads the table at path, falling back to the built-in table
// when the file does not exist. Rejected lines are returned alongside the
// table built from the valid ones.
func LoadIDTable(path string) (*IDTable, LoadErrors) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultIDTable(), nil
	}
	if err != nil {
		return &IDTable{index: map[USBID]models.ArduinoType{}}, LoadErrors{{Line: 0, Kind: ErrIO, Err: err}}
	}
	defer f.Close()
	return ParseIDTable(f)
}

// ParseIDTable parses the line format "vendorId,productId,type". Blank
// lines and lines starting with '#' are skipped. Later duplicates override
// earlier ones.
func ParseIDTable(r io.Reader) (*IDTable, LoadErrors) {
	t := &IDTable{index: make(map[USBID]models.ArduinoType)}
	var errs LoadErrors

	br := bufio.NewReader(r)
	lineNr := 0
	for {
		raw, err := br.ReadString('\n')
		if raw != "" {
			lineNr++
			if le := t.parse(raw); le != nil {
				le.Line = lineNr
				errs = append(errs, *le)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			errs = append(errs, LineError{Line: 0, Kind: ErrIO, Err: err})
			break
		}
	}
	return t, errs
}

// SaveIDTable validates entries and writes them to path. Nothing is written
// when any entry is invalid; the returned LoadErrors use 1-based entry
// positions.
func SaveIDTable(path string, entries [][]string) error {
	var errs LoadErrors
	valid := make([]Entry, 0, len(entries))
	for i, fields := range entries {
		entry, le := parseLine(fields)
		if le != nil {
			le.Line = i + 1
			errs = append(errs, *le)
			continue
		}
		valid = append(valid, entry)
	}
	if len(errs) > 0 {
		return errs
	}

	var buf bytes.Buffer
	for _, e := range valid {
		fmt.Fprintf(&buf, "%s,%s,%s\n", e.VendorID, e.ProductID, e.Type)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write arduino id table: %w", err)
	}
	return nil
}

// parse adds one raw line to t. Comments and blank lines are skipped.
func (t *IDTable) parse(raw string) *LineError {
	if len(raw) > maxLineLength {
		return &LineError{Kind: ErrMalformedLine, Err: fmt.Errorf("line longer than %d bytes", maxLineLength)}
	}
	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}
	entry, le := parseLine(strings.Split(line, ","))
	if le != nil {
		return le
	}
	t.add(entry)
	return nil
}

func (t *IDTable) add(e Entry) {
	if _, ok := t.index[e.USBID]; ok {
		for i := range t.entries {
			if t.entries[i].USBID == e.USBID {
				t.entries[i].Type = e.Type
			}
		}
	} else {
		t.entries = append(t.entries, e)
	}
	t.index[e.USBID] = e.Type
}

func parseLine(fields []string) (Entry, *LineError) {
	if len(fields) != 3 {
		return Entry{}, &LineError{Kind: ErrMalformedLine}
	}
	vid, err := normaliseHex(fields[0])
	if err != nil {
		return Entry{}, &LineError{Kind: ErrInvalidVendorID, Err: err}
	}
	pid, err := normaliseHex(fields[1])
	if err != nil {
		return Entry{}, &LineError{Kind: ErrInvalidProductID, Err: err}
	}
	typ, err := models.ParseArduinoType(fields[2])
	if err != nil {
		return Entry{}, &LineError{Kind: ErrInvalidType, Err: err}
	}
	return Entry{USBID: USBID{VendorID: vid, ProductID: pid}, Type: typ}, nil
}

func parseID(vendorID, productID string) (USBID, error) {
	vid, err := normaliseHex(vendorID)
	if err != nil {
		return USBID{}, err
	}
	pid, err := normaliseHex(productID)
	if err != nil {
		return USBID{}, err
	}
	return USBID{VendorID: vid, ProductID: pid}, nil
}

func normaliseHex(s string) (string, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04x", v), nil
}
