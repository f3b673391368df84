package events

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
)

// TurnPrinter writes the text of turn events to a terminal-like writer as it streams in.
type TurnPrinter struct {
	w    io.Writer
	name string

	isFirst bool
}

var _ TurnEventHandler = (*TurnPrinter)(nil)

// NewTurnPrinter prints turns to w. A non-empty name prefixes every answer.
func NewTurnPrinter(w io.Writer, name string) *TurnPrinter {
	return &TurnPrinter{w: w, name: name, isFirst: true}
}

func (p *TurnPrinter) HandleStart(ctx context.Context, e *EventStart) error {
	p.isFirst = true
	return nil
}

func (p *TurnPrinter) HandlePartialCompletion(ctx context.Context, e *EventPartialCompletion) error {
	if p.isFirst && p.name != "" {
		if _, err := fmt.Fprintf(p.w, "%s: ", p.name); err != nil {
			return err
		}
	}
	p.isFirst = false
	_, err := fmt.Fprint(p.w, e.Delta)
	return err
}

func (p *TurnPrinter) HandleFinal(ctx context.Context, e *EventFinal) error {
	return p.endLine(e.Text)
}

func (p *TurnPrinter) HandleError(ctx context.Context, e *EventError) error {
	if !p.isFirst {
		if _, err := fmt.Fprintln(p.w); err != nil {
			return err
		}
	}
	p.isFirst = true
	_, err := fmt.Fprintf(p.w, "[error] %s\n", e.Text)
	return err
}

func (p *TurnPrinter) HandleInterrupt(ctx context.Context, e *EventInterrupt) error {
	p.isFirst = true
	_, err := fmt.Fprintln(p.w, " [interrupted]")
	return err
}

func (p *TurnPrinter) HandleStatus(ctx context.Context, e *EventStatus) error {
	return nil
}

func (p *TurnPrinter) endLine(text string) error {
	defer func() {
		p.isFirst = true
	}()
	if p.isFirst && text == "" {
		return nil
	}
	if !strings.HasSuffix(text, "\n") {
		_, err := fmt.Fprintln(p.w)
		return err
	}
	return nil
}

// PrinterFunc returns a router handler printing turns to w.
func PrinterFunc(name string, w io.Writer) func(msg *message.Message) error {
	dispatch := NewDispatchHandler(NewTurnPrinter(w, name))
	return func(msg *message.Message) error {
		defer msg.Ack()
		return dispatch(msg)
	}
}
