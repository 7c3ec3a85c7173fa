package notifier

import (
	"context"
	"fmt"
	"io"
	"os"
)

type StdoutNotifier struct {
	name string
	out  io.Writer
}

func NewStdoutNotifier(name string) (*StdoutNotifier, error) {
	return &StdoutNotifier{
		name: name,
		out:  os.Stdout,
	}, nil
}

func (sout *StdoutNotifier) Name() string {
	return sout.name
}

func (sout *StdoutNotifier) Send(_ context.Context, data NotificationData, templates NotificationTemplates) error {
	msg, err := renderMessage("stdout_message", data, templates)
	if err != nil {
		return fmt.Errorf("failed to render stdout template for %s: %w", data.Body, err)
	}

	_, err = fmt.Fprintf(sout.out, "%s\n", msg)
	return err
}
