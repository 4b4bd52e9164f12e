package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/procbridge/internal/bridge"
	"github.com/Paintersrp/procbridge/internal/bridge/lineproto"
	"github.com/Paintersrp/procbridge/internal/cliutil"
	"github.com/Paintersrp/procbridge/internal/harness"
)

const runScenario = "run"

func newRunCmd() *cobra.Command {
	var (
		bf        bridgeFlags
		sends     []string
		expect    int
		expectErr int
		despawn   bool
		text      bool
	)
	cmd := &cobra.Command{
		Use:   "run [flags] -- COMMAND LINE",
		Short: "Spawn a child, exchange lines with it and print the transcript",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, cleanup, err := bf.newProcess()
			if err != nil {
				return err
			}
			defer cleanup()
			defer p.Destroy()

			t := &transcript{out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr(), text: text}
			if !text {
				t.enc = json.NewEncoder(t.out)
			}
			s := &runSession{
				proc:       p,
				mailbox:    lineproto.NewMailbox(bf.mailbox),
				timeout:    bf.receiveTimeout,
				transcript: t,
			}
			return s.run(cmd.Context(), joinCommandLine(args), sends, expect, expectErr, despawn)
		},
	}
	bf.register(cmd)
	cmd.Flags().StringArrayVar(&sends, "send", nil, "Line to send to the child (repeatable, sent in order)")
	cmd.Flags().IntVar(&expect, "expect", 0, "Number of lines to receive from the child's stdout")
	cmd.Flags().IntVar(&expectErr, "expect-err", 0, "Number of lines to receive from the child's stderr")
	cmd.Flags().BoolVar(&despawn, "despawn", false, "Kill the child instead of waiting for it to exit")
	cmd.Flags().BoolVar(&text, "text", false, "Print a human readable transcript instead of JSON")
	return cmd
}

type transcript struct {
	out    io.Writer
	errOut io.Writer
	enc    *json.Encoder
	text   bool
}

func (t *transcript) emit(ev harness.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Scenario == "" {
		ev.Scenario = runScenario
	}
	if t.text {
		fmt.Fprintln(t.out, cliutil.FormatEvent(ev))
		return
	}
	cliutil.EncodeLogEvent(t.enc, t.errOut, ev)
}

type runSession struct {
	proc       *bridge.Process
	mailbox    *lineproto.Mailbox
	timeout    time.Duration
	transcript *transcript
}

func (s *runSession) event(typ harness.EventType, source, msg string) harness.Event {
	return harness.Event{
		Type:    typ,
		Source:  source,
		Message: msg,
		ChildID: s.proc.ChildID(),
		Status:  s.proc.Status(),
	}
}

func (s *runSession) fail(err error) error {
	ev := s.event(harness.EventTypeFailed, harness.SourceSystem, err.Error())
	ev.Err = err
	ev.Status = bridge.StatusOf(err)
	s.transcript.emit(ev)
	if s.proc.Running() {
		_ = s.proc.Despawn()
	}
	return err
}

func (s *runSession) run(ctx context.Context, commandLine string, sends []string, expect, expectErr int, despawn bool) error {
	s.transcript.emit(s.event(harness.EventTypeStarting, harness.SourceSystem, commandLine))
	if err := s.proc.SpawnContext(ctx, commandLine); err != nil {
		return s.fail(fmt.Errorf("spawn: %w", err))
	}
	s.transcript.emit(s.event(harness.EventTypeSpawned, harness.SourceSystem, "spawned"))

	for _, line := range sends {
		if err := s.proc.Send(line); err != nil {
			return s.fail(err)
		}
		s.transcript.emit(s.event(harness.EventTypeSent, harness.SourceStdin, line))
	}

	for _, stream := range []struct {
		count   int
		fromErr bool
		source  string
	}{
		{expect, false, harness.SourceStdout},
		{expectErr, true, harness.SourceStderr},
	} {
		for i := 0; i < stream.count; i++ {
			line, err := s.receive(ctx, stream.fromErr)
			if err != nil {
				return s.fail(err)
			}
			s.transcript.emit(s.event(harness.EventTypeReceived, stream.source, line))
		}
	}

	if despawn {
		if err := s.proc.Despawn(); err != nil {
			return s.fail(err)
		}
		s.transcript.emit(s.event(harness.EventTypeExited, harness.SourceSystem, "despawned"))
		return nil
	}
	if err := s.proc.WaitContext(ctx); err != nil {
		return s.fail(err)
	}
	s.transcript.emit(s.event(harness.EventTypeExited, harness.SourceSystem, fmt.Sprintf("exited with code %d", s.proc.ExitCode())))
	return nil
}

func (s *runSession) receive(ctx context.Context, fromErr bool) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	var err error
	if fromErr {
		err = s.proc.ReceiveErrContext(ctx, s.mailbox)
	} else {
		err = s.proc.ReceiveContext(ctx, s.mailbox)
	}
	if err != nil {
		return "", err
	}
	line := s.mailbox.String()
	if s.mailbox.Truncated {
		line += " …"
	}
	return line, nil
}
