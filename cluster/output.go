package cluster

import (
	"bytes"
	"io"
	"sync"
)

// sharedOutput serializes writes of several nodes to one writer.
type sharedOutput struct {
	m sync.Mutex
	w io.Writer
}

// nodeWriter writes complete lines to a sharedOutput, each prefixed with the node name.
// A trailing partial line is held until its newline arrives or Flush is called.
type nodeWriter struct {
	out    *sharedOutput
	prefix []byte
	buf    []byte
}

func (o *sharedOutput) forNode(name string) *nodeWriter {
	return &nodeWriter{out: o, prefix: []byte("[" + name + "] ")}
}

func (n *nodeWriter) Write(p []byte) (int, error) {
	n.buf = append(n.buf, p...)
	i := bytes.LastIndexByte(n.buf, '\n')
	if i < 0 {
		return len(p), nil
	}
	lines := n.buf[:i+1]
	if err := n.writeLines(lines); err != nil {
		return 0, err
	}
	n.buf = append(n.buf[:0], n.buf[i+1:]...)
	return len(p), nil
}

// Flush writes any buffered partial line, terminated with a newline.
func (n *nodeWriter) Flush() error {
	if len(n.buf) == 0 {
		return nil
	}
	err := n.writeLines(append(n.buf, '\n'))
	n.buf = n.buf[:0]
	return err
}

func (n *nodeWriter) writeLines(lines []byte) error {
	var b bytes.Buffer
	for len(lines) > 0 {
		i := bytes.IndexByte(lines, '\n')
		b.Write(n.prefix)
		b.Write(lines[:i+1])
		lines = lines[i+1:]
	}

	n.out.m.Lock()
	defer n.out.m.Unlock()
	_, err := n.out.w.Write(b.Bytes())
	return err
}
