package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// MaxFrameBytes bounds a single newline-delimited message.
const MaxFrameBytes = 1 << 20

var ErrFrameTooLarge = errors.New("protocol frame exceeds maximum size")

// DecodeError reports a frame that was read intact but could not be decoded.
// The stream stays usable after a DecodeError.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "malformed message: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

// Reader reads newline-delimited JSON frames.
type Reader struct {
	scanner *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), MaxFrameBytes)
	return &Reader{scanner: scanner}
}

func (r *Reader) next() ([]byte, error) {
	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
	if err := r.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrFrameTooLarge
		}
		return nil, err
	}
	return nil, io.EOF
}

// ReadRequest decodes the next request, rejecting unknown fields and types.
func (r *Reader) ReadRequest() (Request, error) {
	line, err := r.next()
	if err != nil {
		return Request{}, err
	}
	var req Request
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return Request{}, &DecodeError{Err: err}
	}
	if req.Type == "" {
		return Request{}, &DecodeError{Err: errors.New("missing request type")}
	}
	return req, nil
}

// ReadResponse decodes the next response or event frame.
func (r *Reader) ReadResponse() (Response, error) {
	line, err := r.next()
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, &DecodeError{Err: err}
	}
	return resp, nil
}

// WriteFrame encodes v as one line.
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// SocketPath returns the well-known local endpoint shared by the service and its clients.
func SocketPath() string {
	if p := os.Getenv("FLOWSTT_SOCKET"); p != "" {
		return p
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "flowstt.sock")
	}
	return filepath.Join(os.TempDir(), "flowstt-"+strconv.Itoa(os.Getuid())+".sock")
}
