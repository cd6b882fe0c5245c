package client

import (
	"bufio"
	"io"
	"strings"
)

// sseScanner reads the minimal "data: <json>\n\n" framing written by
// handleProcessExecSyncStream (§6.2 sync-stream), one event at a time.
type sseScanner struct {
	r       *bufio.Reader
	current []byte
	scanErr error
}

func newSSEScanner(r io.Reader) *sseScanner {
	return &sseScanner{r: bufio.NewReader(r)}
}

// next advances to the following event, returning false at EOF or error.
func (s *sseScanner) next() bool {
	var buf strings.Builder
	sawData := false
	for {
		line, err := s.r.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(trimmed, "data:") {
			buf.WriteString(strings.TrimPrefix(strings.TrimPrefix(trimmed, "data:"), " "))
			sawData = true
		}
		if err != nil {
			if err != io.EOF {
				s.scanErr = err
			}
			if sawData {
				s.current = []byte(buf.String())
				return true
			}
			return false
		}
		if trimmed == "" && sawData {
			s.current = []byte(buf.String())
			return true
		}
	}
}

func (s *sseScanner) data() []byte { return s.current }
func (s *sseScanner) err() error   { return s.scanErr }
