package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Editor is a minimal full-screen text editor for string property values.
type Editor struct {
	in  *bufio.Reader
	out io.Writer
	fd  int // terminal put into raw mode; -1 when in is not a terminal

	content    [][]rune
	cursorX    int
	cursorY    int
	screenRows int
	screenCols int
}

// NewEditor edits text on the process terminal.
func NewEditor(text string) *Editor {
	fd := int(os.Stdin.Fd())
	rows, cols, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		rows = 24
		cols = 80
	}
	e := newEditor(text, os.Stdin, os.Stdout, rows, cols)
	if term.IsTerminal(fd) {
		e.fd = fd
	}
	return e
}

func newEditor(text string, in io.Reader, out io.Writer, rows, cols int) *Editor {
	lines := strings.Split(text, "\n")
	content := make([][]rune, len(lines))
	for i, l := range lines {
		content[i] = []rune(l)
	}
	return &Editor{
		in:         bufio.NewReader(in),
		out:        out,
		fd:         -1,
		content:    content,
		screenRows: rows - 2, // status line
		screenCols: cols,
	}
}

// Run reads keys until Ctrl-S (save) or Ctrl-Q (quit). It reports the
// edited text and whether it was saved.
func (e *Editor) Run() (string, bool, error) {
	if e.fd >= 0 {
		oldState, err := term.MakeRaw(e.fd)
		if err != nil {
			return "", false, err
		}
		defer term.Restore(e.fd, oldState)
	}
	defer fmt.Fprint(e.out, "\x1b[2J\x1b[H")

	for {
		e.refreshScreen()

		r, _, err := e.in.ReadRune()
		if errors.Is(err, io.EOF) {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}

		switch {
		case r == rune(ctrl('q')):
			return "", false, nil
		case r == rune(ctrl('s')):
			return e.text(), true, nil
		case r == '\r' || r == '\n':
			e.insertNewline()
		case r == 127 || r == rune(ctrl('h')):
			e.handleBackspace()
		case r == 0x1b:
			e.handleEscape()
		case r >= 0 && r < 0x80 && iscntrl(byte(r)):
		default:
			e.insertChar(r)
		}
	}
}

// handleEscape consumes an ANSI arrow key sequence.
func (e *Editor) handleEscape() {
	if b, err := e.in.ReadByte(); err != nil || b != '[' {
		return
	}
	b, err := e.in.ReadByte()
	if err != nil {
		return
	}
	switch b {
	case 'A':
		e.moveCursor(0, -1)
	case 'B':
		e.moveCursor(0, 1)
	case 'C':
		e.moveCursor(1, 0)
	case 'D':
		e.moveCursor(-1, 0)
	}
}

func (e *Editor) moveCursor(dx, dy int) {
	e.cursorY = max(0, min(len(e.content)-1, e.cursorY+dy))
	line := e.content[e.cursorY]
	switch {
	case dx < 0 && e.cursorX == 0 && e.cursorY > 0 && dy == 0:
		e.cursorY--
		e.cursorX = len(e.content[e.cursorY])
	case dx > 0 && e.cursorX >= len(line) && e.cursorY < len(e.content)-1:
		e.cursorY++
		e.cursorX = 0
	default:
		e.cursorX = max(0, min(len(line), e.cursorX+dx))
	}
}

func (e *Editor) refreshScreen() {
	var b strings.Builder
	b.WriteString("\x1b[2J\x1b[H")

	for i, line := range e.content {
		if i >= e.screenRows {
			break
		}
		b.WriteString(string(line))
		b.WriteString("\r\n")
	}

	b.WriteString("\x1b[7m")
	status := fmt.Sprintf("Ctrl-S = Save | Ctrl-Q = Quit | Lines: %d", len(e.content))
	if len(status) > e.screenCols {
		status = status[:e.screenCols]
	}
	b.WriteString(status)
	b.WriteString("\x1b[m")

	fmt.Fprintf(&b, "\x1b[%d;%dH", e.cursorY+1, e.cursorX+1)
	io.WriteString(e.out, b.String())
}

func (e *Editor) insertChar(ch rune) {
	line := e.content[e.cursorY]
	line = append(line[:e.cursorX], append([]rune{ch}, line[e.cursorX:]...)...)
	e.content[e.cursorY] = line
	e.cursorX++
}

func (e *Editor) insertNewline() {
	line := e.content[e.cursorY]
	newLine := make([]rune, len(line[e.cursorX:]))
	copy(newLine, line[e.cursorX:])
	e.content[e.cursorY] = line[:e.cursorX]
	e.content = append(e.content[:e.cursorY+1], append([][]rune{newLine}, e.content[e.cursorY+1:]...)...)
	e.cursorY++
	e.cursorX = 0
}

func (e *Editor) handleBackspace() {
	if e.cursorX > 0 {
		line := e.content[e.cursorY]
		e.content[e.cursorY] = append(line[:e.cursorX-1], line[e.cursorX:]...)
		e.cursorX--
	} else if e.cursorY > 0 {
		// Join with previous line
		prevLine := e.content[e.cursorY-1]
		e.cursorX = len(prevLine)
		e.content[e.cursorY-1] = append(prevLine, e.content[e.cursorY]...)
		e.content = append(e.content[:e.cursorY], e.content[e.cursorY+1:]...)
		e.cursorY--
	}
}

func (e *Editor) text() string {
	lines := make([]string, len(e.content))
	for i, l := range e.content {
		lines[i] = string(l)
	}
	return strings.Join(lines, "\n")
}

func ctrl(b byte) byte {
	return b & 0x1f
}

func iscntrl(b byte) bool {
	return b < 32 || b == 127
}
