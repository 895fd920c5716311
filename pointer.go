package pelican

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/google/uuid"
)

// markerLen is the width of the modification marker that starts every
// pointer table and persisted index file.
const markerLen = 36

// pointer locates one document version inside the data blob. It is stored
// in the pointer table as a JSON array [begin, end, version, "id"].
type pointer struct {
	Begin   int64
	End     int64
	Version int64
	ID      string
}

func (p pointer) Len() int64 {
	return p.End - p.Begin
}

func (p pointer) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.Begin, p.End, p.Version, p.ID})
}

func (p *pointer) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 4 {
		return fmt.Errorf("pointer must have 4 elements, got %d", len(raw))
	}
	for i, dst := range []any{&p.Begin, &p.End, &p.Version, &p.ID} {
		if err := json.Unmarshal(raw[i], dst); err != nil {
			return fmt.Errorf("pointer element %d: %w", i, err)
		}
	}
	return nil
}

func newMarker() string {
	return uuid.NewString()
}

// appendPointerLine appends one `"id_version":[begin,end,version,"id"]`
// line to buf, including the trailing newline.
func appendPointerLine(buf []byte, p pointer) []byte {
	key, _ := json.Marshal(versionKey(p.ID, p.Version))
	buf = append(buf, key...)
	buf = append(buf, ':', '[')
	buf = strconv.AppendInt(buf, p.Begin, 10)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, p.End, 10)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, p.Version, 10)
	buf = append(buf, ',')
	id, _ := json.Marshal(p.ID)
	buf = append(buf, id...)
	buf = append(buf, ']', '\n')
	return buf
}

// parsePointerTable parses a whole pointer table: the marker line followed by
// pointer lines. A trailing partial line, left by a writer that died
// mid-append, is ignored.
func parsePointerTable(data []byte) (marker string, ptrs map[string]pointer, err error) {
	ptrs = make(map[string]pointer)
	if len(data) == 0 {
		return "", ptrs, nil
	}
	if len(data) < markerLen {
		return "", nil, dataErrf(data, 0, nil, "pointer table shorter than its marker")
	}
	marker = string(data[:markerLen])

	rest := data[markerLen:]
	var off int
	for len(rest) > 0 {
		nl := bytes.IndexByte(rest, '\n')
		if nl < 0 {
			break
		}
		line := bytes.TrimSpace(rest[:nl])
		if len(line) > 0 {
			key, p, err := parsePointerLine(line)
			if err != nil {
				return "", nil, dataErrf(data, markerLen+off, err, "invalid pointer line")
			}
			ptrs[key] = p
		}
		off += nl + 1
		rest = rest[nl+1:]
	}
	return marker, ptrs, nil
}

func parsePointerLine(line []byte) (string, pointer, error) {
	obj := make([]byte, 0, len(line)+2)
	obj = append(obj, '{')
	obj = append(obj, line...)
	obj = append(obj, '}')

	var m map[string]pointer
	if err := json.Unmarshal(obj, &m); err != nil {
		return "", pointer{}, err
	}
	if len(m) != 1 {
		return "", pointer{}, fmt.Errorf("expected one entry, got %d", len(m))
	}
	for k, p := range m {
		return k, p, nil
	}
	panic("unreachable")
}

// readMarker returns the marker at the start of path, or "" if the file does
// not exist.
func readMarker(path string) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	} else if err != nil {
		return "", err
	}
	defer f.Close()

	var buf [markerLen]byte
	n, err := io.ReadFull(f, buf[:])
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return string(buf[:n]), nil
	} else if err != nil {
		return "", err
	}
	return string(buf[:]), nil
}

// writeMarker overwrites the marker of an existing file in place, or creates
// the file holding only the marker line.
func writeMarker(path, marker string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	fi, err := f.Stat()
	if err == nil {
		if fi.Size() < markerLen {
			_, err = f.WriteAt([]byte(marker+"\n"), 0)
		} else {
			_, err = f.WriteAt([]byte(marker), 0)
		}
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// readOptionalFile reads path, treating a missing file as empty.
func readOptionalFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}
