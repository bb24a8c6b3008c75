// Package notify delivers submission alerts via email
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"os"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"

	"github.com/umputun/submitter/app/store"
)

// Params is the configuration of the notification service
type Params struct {
	EnabledSubmitted  bool
	SubmittedTemplate string // optional template file, default template used if empty or broken
	FailureTemplate   string // optional template file for store failure alert
	HostName          string
}

// SendersParams is the configuration of the email sender
type SendersParams struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPTLS      bool
	SMTPTimeOut  time.Duration
	FromEmail    string
	ToEmails     []string
}

// sender is the subset of notify.Notifier used here
type sender interface {
	Send(ctx context.Context, destination, text string) error
}

// Service sends alerts about submissions
type Service struct {
	Params
	destinations []sender
	fromEmail    string
	toEmail      []string
}

// NewService makes notification service. Returns nil if no recipients set, all methods are safe on nil
func NewService(p Params, sp SendersParams) *Service {
	if len(sp.ToEmails) == 0 {
		return nil
	}
	if p.HostName == "" {
		p.HostName = hostName()
	}
	from := sp.FromEmail
	if from == "" {
		from = "submitter@" + p.HostName
	}
	email := notify.NewEmail(notify.SMTPParams{
		Host:        sp.SMTPHost,
		Port:        sp.SMTPPort,
		TLS:         sp.SMTPTLS,
		Username:    sp.SMTPUsername,
		Password:    sp.SMTPPassword,
		TimeOut:     sp.SMTPTimeOut,
		ContentType: "text/html",
	})
	return &Service{Params: p, destinations: []sender{email}, fromEmail: from, toEmail: sp.ToEmails}
}

// IsOnSubmitted reports whether successful submissions are notified
func (s *Service) IsOnSubmitted() bool { return s != nil && s.EnabledSubmitted }

// Submitted sends the submission notice if enabled. Errors are logged only
func (s *Service) Submitted(ctx context.Context, rec store.JobRecord) {
	if !s.IsOnSubmitted() {
		return
	}
	msg, err := s.MakeSubmittedHTML(rec)
	if err != nil {
		log.Printf("[WARN] can't make submitted notification for job %s, %v", rec.JobID, err)
		return
	}
	if err := s.Send(ctx, fmt.Sprintf("job %s submitted on %s", rec.JobID, rec.Cluster), msg); err != nil {
		log.Printf("[WARN] can't send submitted notification for job %s, %v", rec.JobID, err)
	}
}

// StoreFailed sends the reconciliation alert for a submitted job whose record was lost. Errors are logged only
func (s *Service) StoreFailed(ctx context.Context, rec store.JobRecord, werr error) {
	if s == nil {
		return
	}
	msg, err := s.MakeFailureHTML(rec, werr)
	if err != nil {
		log.Printf("[WARN] can't make store failure notification for job %s, %v", rec.JobID, err)
		return
	}
	if err := s.Send(ctx, fmt.Sprintf("job %s submitted but not recorded", rec.JobID), msg); err != nil {
		log.Printf("[WARN] can't send store failure notification for job %s, %v", rec.JobID, err)
	}
}

// Send message to all destinations
func (s *Service) Send(ctx context.Context, subj, text string) error {
	if s == nil {
		return nil
	}
	q := url.Values{}
	q.Set("from", s.fromEmail)
	q.Set("subject", subj)
	dest := "mailto:" + strings.Join(s.toEmail, ",") + "?" + q.Encode()
	log.Printf("[DEBUG] send %q to %v", subj, s.toEmail)

	var errs []error
	for _, d := range s.destinations {
		if err := d.Send(ctx, dest, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MakeSubmittedHTML renders the submission notice
func (s *Service) MakeSubmittedHTML(rec store.JobRecord) (string, error) {
	return s.render(s.SubmittedTemplate, defaultSubmittedTemplate, rec, "")
}

// MakeFailureHTML renders the store failure alert
func (s *Service) MakeFailureHTML(rec store.JobRecord, werr error) (string, error) {
	errMsg := ""
	if werr != nil {
		errMsg = werr.Error()
	}
	return s.render(s.FailureTemplate, defaultFailureTemplate, rec, errMsg)
}

func (s *Service) render(fname, fallback string, rec store.JobRecord, errMsg string) (string, error) {
	tmpl := fallback
	if fname != "" {
		data, err := os.ReadFile(fname) //nolint:gosec // template path from cli option
		if err != nil {
			log.Printf("[WARN] can't read template %s, using default, %v", fname, err)
		} else {
			tmpl = string(data)
		}
	}

	t, err := template.New("msg").Parse(tmpl)
	if err != nil && tmpl != fallback {
		log.Printf("[WARN] can't parse template %s, using default, %v", fname, err)
		t, err = template.New("msg").Parse(fallback)
	}
	if err != nil {
		return "", fmt.Errorf("can't parse message template: %w", err)
	}

	data := struct {
		store.JobRecord
		Host  string
		Error string
	}{JobRecord: rec, Host: s.HostName, Error: errMsg}

	buf := bytes.Buffer{}
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to apply template: %w", err)
	}
	return buf.String(), nil
}

func hostName() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

const htmlHead = `<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
		<style type="text/css">
			body {
				font-family: "Arial";
				font-size: 1.0em;
			}
			ul {
				margin-top: -0.5em;
				margin-left: -0.5em;
			}
			pre {
				padding: 0.6em;
				font-size: 0.7em;
				background-color: #E8E2A0;
				font-family: "Menlo";
				white-space: pre-wrap;
				word-wrap: break-word;
			}
			.bold {
				color: #882828;
				font-weight: 900;
			}
		</style>
	</head>
`

const defaultSubmittedTemplate = htmlHead + `
	<body>
		<p>Job <span class="bold">{{.JobID}}</span> submitted on <span class="bold">{{.Cluster}}</span> from {{.Host}} at {{.SubmittedAt.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Name: <span class="bold">{{.Name}}</span></li>
			<li>Command: <span class="bold">{{.WorkerCommand}}</span></li>
			<li>Directory: <span class="bold">{{.ExpDir}}</span></li>
		</ul>
		<pre>{{.SchedulerCommand}}</pre>
	</body>
</html>
`

const defaultFailureTemplate = htmlHead + `
	<body>
		<p>Job <span class="bold">{{.JobID}}</span> was accepted by the scheduler on <span class="bold">{{.Cluster}}</span> from {{.Host}} but its record was not saved</p>
		<ul>
			<li>Command: <span class="bold">{{.WorkerCommand}}</span></li>
			<li>Directory: <span class="bold">{{.ExpDir}}</span></li>
		</ul>
		<pre>
{{.Error}}
		</pre>
	</body>
</html>
`
