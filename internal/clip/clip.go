// Package clip copies short secrets such as the daemon API key to the user's
// clipboard, falling back to the terminal and then to a private temp file.
package clip

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	atotto "github.com/atotto/clipboard"
	osc52 "github.com/aymanbagabas/go-osc52/v2"
	"golang.org/x/term"
)

// Method is the mechanism that made the text available.
type Method string

const (
	MethodNative Method = "native" // system clipboard
	MethodOSC52  Method = "osc52"  // terminal clipboard escape sequence
	MethodFile   Method = "file"   // temp file readable only by the user
)

// Result reports how the text was made available.
type Result struct {
	Method   Method `json:"method"`
	FilePath string `json:"file_path,omitempty"`
}

// Terminals drop OSC52 payloads above a few kilobytes to a few hundred.
const osc52LimitBytes = 100_000

// Copier tries each mechanism in turn.
type Copier struct {
	native   func(text string) error
	terminal io.Writer
	isTTY    func() bool
	tempDir  string
	getenv   func(string) string
}

// Option configures a Copier.
type Option func(*Copier)

// WithTerminal sends OSC52 sequences to w when isTTY reports true.
func WithTerminal(w io.Writer, isTTY func() bool) Option {
	return func(c *Copier) {
		if w != nil && isTTY != nil {
			c.terminal = w
			c.isTTY = isTTY
		}
	}
}

// WithTempDir sets where the file fallback is written.
func WithTempDir(dir string) Option {
	return func(c *Copier) {
		c.tempDir = dir
	}
}

// WithNative replaces the system clipboard writer.
func WithNative(fn func(text string) error) Option {
	return func(c *Copier) {
		if fn != nil {
			c.native = fn
		}
	}
}

// NewCopier returns a copier using the system clipboard and stderr.
func NewCopier(opts ...Option) *Copier {
	c := &Copier{
		native:   atotto.WriteAll,
		terminal: os.Stderr,
		isTTY:    func() bool { return term.IsTerminal(int(os.Stderr.Fd())) },
		getenv:   os.Getenv,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Copy makes text available through the first mechanism that works.
func (c *Copier) Copy(text string) (Result, error) {
	if text == "" {
		return Result{}, errors.New("nothing to copy")
	}
	if err := c.native(text); err == nil {
		return Result{Method: MethodNative}, nil
	}
	if err := c.writeOSC52(text); err == nil {
		return Result{Method: MethodOSC52}, nil
	}
	path, err := c.writeTempFile(text)
	if err != nil {
		return Result{}, err
	}
	return Result{Method: MethodFile, FilePath: path}, nil
}

// Copy copies text with the default copier.
func Copy(text string) (Result, error) {
	return NewCopier().Copy(text)
}

func (c *Copier) writeOSC52(text string) error {
	if c.terminal == nil || !c.isTTY() {
		return errors.New("no terminal")
	}
	if len(text) > osc52LimitBytes {
		return fmt.Errorf("text too large for OSC52 (%d bytes > %d)", len(text), osc52LimitBytes)
	}
	seq := osc52.New(text).Limit(osc52LimitBytes)
	switch {
	case c.getenv("TMUX") != "":
		seq = seq.Tmux()
	case c.getenv("STY") != "":
		seq = seq.Screen()
	}
	_, err := seq.WriteTo(c.terminal)
	return err
}

func (c *Copier) writeTempFile(text string) (path string, err error) {
	f, err := os.CreateTemp(c.tempDir, "prefbridge-clipboard-*.txt")
	if err != nil {
		return "", err
	}
	path = f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(path)
		}
	}()
	if _, err = f.WriteString(text); err != nil {
		return "", err
	}
	if err = f.Close(); err != nil {
		return "", err
	}
	return filepath.Clean(path), nil
}
