// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bam2fastq

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/grailbio/base/log"
)

// Notifier announces the end of a run.
type Notifier interface {
	Notify(ctx context.Context, res *RunResult) error
}

// SMTPNotifier e-mails a run summary through an SMTP relay.
type SMTPNotifier struct {
	Addr string
	From string
	To   []string
	// Send delivers a message. Nil means smtp.SendMail without
	// authentication.
	Send func(addr string, from string, to []string, msg []byte) error
}

// Notify implements Notifier.
func (n *SMTPNotifier) Notify(ctx context.Context, res *RunResult) error {
	if len(n.To) == 0 {
		return nil
	}
	send := n.Send
	if send == nil {
		send = func(addr string, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		}
	}
	return send(n.Addr, n.From, n.To, n.message(res))
}

func (n *SMTPNotifier) message(res *RunResult) []byte {
	var failed int
	for _, s := range res.Samples {
		if s.Err != "" {
			failed++
		}
	}
	status := "succeeded"
	if failed > 0 {
		status = fmt.Sprintf("%d of %d samples failed", failed, len(res.Samples))
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", n.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(n.To, ", "))
	fmt.Fprintf(&b, "Subject: bam2fastq run %s: %s\r\n", res.RunID, status)
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "Run %s on %s, %v to %v.\r\n", res.RunID, res.Hostname,
		res.Start.Format("2006-01-02 15:04:05"), res.End.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Output: %s\r\n\r\n", res.Opts.OutputDir)
	for _, s := range res.Samples {
		if s.Err != "" {
			fmt.Fprintf(&b, "%s: FAILED at %s: %s\r\n", s.ID, s.Stage, s.Err)
			continue
		}
		fmt.Fprintf(&b, "%s: ok, %s, %d reads\r\n", s.ID, s.Pairing, s.Reads())
	}
	return b.Bytes()
}

// notify sends a notification and logs any failure.
func notify(ctx context.Context, n Notifier, res *RunResult) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, res); err != nil {
		log.Error.Printf("notification failed: %v", err)
	}
}
