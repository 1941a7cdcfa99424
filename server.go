package respcache

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Cmd represents a protocol command.
type Cmd string

const (
	CmdRead   = Cmd("read")
	CmdWrite  = Cmd("write")
	CmdExists = Cmd("exists")
	CmdRemove = Cmd("remove")
	CmdClean  = Cmd("clean")
	CmdClose  = Cmd("close")
)

// KnownCommands lists the commands announced in the initial response.
var KnownCommands = []Cmd{CmdRead, CmdWrite, CmdExists, CmdRemove, CmdClean, CmdClose}

// Request is one line of input. For writes with BodySize > 0 the payload
// follows on the next line as a JSON string holding base64.
type Request struct {
	ID       int64
	Command  Cmd
	Category string `json:",omitempty"`
	EntryID  string `json:",omitempty"`
	Path     string `json:",omitempty"`
	BodySize int64  `json:",omitempty"`
	Body     []byte `json:"-"`
}

// Response is one line of output. A read hit carries BodySize > 0 and is
// followed by the payload line, encoded like a request body.
type Response struct {
	ID            int64        `json:",omitempty"`
	Err           string       `json:",omitempty"`
	KnownCommands []Cmd        `json:",omitempty"`
	Miss          bool         `json:",omitempty"`
	Exists        bool         `json:",omitempty"`
	BodySize      int64        `json:",omitempty"`
	Report        *CleanReport `json:",omitempty"`
	Body          []byte       `json:"-"`
}

// Server exposes a CacheBackend over a line-delimited JSON protocol.
type Server struct {
	backend CacheBackend
	logger  logrus.FieldLogger
	scanner *bufio.Scanner
	writer  *bufio.Writer
}

// NewServer creates a server reading requests from in and writing responses
// to out.
func NewServer(backend CacheBackend, in io.Reader, out io.Writer, logger logrus.FieldLogger) *Server {
	scanner := bufio.NewScanner(in)
	// Bodies arrive on a single line, so allow lines far above the 64KB
	// default. Response documents rarely exceed a few megabytes.
	const maxScanTokenSize = 32 * 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)

	return &Server{
		backend: backend,
		logger:  logger,
		scanner: scanner,
		writer:  bufio.NewWriter(out),
	}
}

// SendResponse writes resp, and its body if any, to the output.
func (s *Server) SendResponse(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	if resp.BodySize > 0 {
		body, err := json.Marshal(base64.StdEncoding.EncodeToString(resp.Body))
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
		if _, err := s.writer.Write(body); err != nil {
			return fmt.Errorf("failed to write body: %w", err)
		}
		if err := s.writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("failed to write newline: %w", err)
		}
	}

	return s.writer.Flush()
}

// SendInitialResponse announces the supported commands.
func (s *Server) SendInitialResponse() error {
	return s.SendResponse(Response{
		ID:            0,
		KnownCommands: KnownCommands,
	})
}

// nextLine returns the next non-empty input line, or io.EOF.
func (s *Server) nextLine() (string, error) {
	for {
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		line := s.scanner.Text()
		if strings.TrimSpace(line) != "" {
			return line, nil
		}
	}
}

// ReadRequest reads the next request and its body.
func (s *Server) ReadRequest() (*Request, error) {
	line, err := s.nextLine()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read request: %w", err)
	}

	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w (line: %q)", err, line)
	}

	if req.Command == CmdWrite && req.BodySize > 0 {
		bodyLine, err := s.nextLine()
		if err != nil {
			// Input closed before the body arrived.
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("error reading body line: %w", err)
		}

		var base64Str string
		if err := json.Unmarshal([]byte(bodyLine), &base64Str); err != nil {
			return nil, fmt.Errorf("failed to unmarshal body as JSON string: %w", err)
		}
		body, err := base64.StdEncoding.DecodeString(base64Str)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 body: %w", err)
		}
		if int64(len(body)) != req.BodySize {
			return nil, fmt.Errorf("body size mismatch: declared %d, got %d", req.BodySize, len(body))
		}
		req.Body = body
	}

	return &req, nil
}

// HandleRequest processes a single request and sends a response.
func (s *Server) HandleRequest(ctx context.Context, req *Request) error {
	resp := Response{ID: req.ID}

	switch req.Command {
	case CmdRead:
		payload, ok := s.backend.Read(ctx, req.Category, req.EntryID)
		if !ok {
			resp.Miss = true
		} else {
			resp.Body = payload
			resp.BodySize = int64(len(payload))
		}

	case CmdWrite:
		var err error
		if req.Path != "" {
			err = s.backend.WriteAt(ctx, req.Category, req.EntryID, req.Path, req.Body)
		} else {
			err = s.backend.Write(ctx, req.Category, req.EntryID, req.Body)
		}
		if err != nil {
			resp.Err = err.Error()
		}

	case CmdExists:
		resp.Exists = s.backend.FileExistsForKey(ctx, req.Category, req.EntryID)

	case CmdRemove:
		if err := s.backend.Remove(ctx, req.Category, req.EntryID); err != nil {
			resp.Err = err.Error()
		}

	case CmdClean:
		report, err := s.backend.Clean(ctx)
		if err != nil {
			resp.Err = err.Error()
		} else {
			resp.Report = &report
		}

	case CmdClose:
		if err := s.backend.Close(); err != nil {
			resp.Err = err.Error()
		}

	default:
		resp.Err = fmt.Sprintf("unknown command: %s", req.Command)
	}

	if resp.Err != "" {
		s.logger.WithFields(logrus.Fields{
			"action":     "serve",
			"command":    req.Command,
			"request_id": req.ID,
			"error":      resp.Err,
		}).Debug("request failed")
	}
	return s.SendResponse(resp)
}

// Run announces the commands and serves requests until the input ends, a
// close command is handled, or ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.SendInitialResponse(); err != nil {
		return fmt.Errorf("failed to send initial response: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		req, err := s.ReadRequest()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read request: %w", err)
		}

		if err := s.HandleRequest(ctx, req); err != nil {
			return fmt.Errorf("failed to handle request: %w", err)
		}

		if req.Command == CmdClose {
			break
		}
	}

	return nil
}
