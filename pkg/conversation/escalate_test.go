package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

type dispatchCall struct {
	name, issue, contact string
}

type fakeDispatcher struct {
	calls        []dispatchCall
	confirmation string
	err          error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, name, issue, contact string) (string, error) {
	d.calls = append(d.calls, dispatchCall{name: name, issue: issue, contact: contact})
	if d.err != nil {
		return "", d.err
	}
	return d.confirmation, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEscalateDispatchesWithCompleteFacts(t *testing.T) {
	d := &fakeDispatcher{confirmation: "Specialist ticket #42 created."}
	o := NewOrchestrator(d, discardLogger())

	facts := Facts{FactName: "Bob", FactContact: "5551234567"}
	out := o.Escalate(context.Background(), facts, "cancel my policy")

	if !out.Dispatched || out.Pending {
		t.Fatalf("outcome = %+v, want dispatched and not pending", out)
	}
	if len(d.calls) != 1 {
		t.Fatalf("dispatch calls = %d, want 1", len(d.calls))
	}
	call := d.calls[0]
	if call.name != "Bob" || call.contact != "5551234567" || call.issue != "cancel my policy" {
		t.Fatalf("dispatch call = %+v", call)
	}
	if !strings.HasPrefix(out.Response, DisclosureMessage) {
		t.Fatalf("response missing disclosure: %q", out.Response)
	}
	if !strings.Contains(out.Response, "Specialist ticket #42 created.") {
		t.Fatalf("response missing confirmation: %q", out.Response)
	}
}

func TestEscalateDefersWhenFactsMissing(t *testing.T) {
	d := &fakeDispatcher{}
	o := NewOrchestrator(d, discardLogger())

	out := o.Escalate(context.Background(), Facts{}, "cancel my policy")
	if out.Dispatched || !out.Pending {
		t.Fatalf("outcome = %+v, want pending and not dispatched", out)
	}
	if len(d.calls) != 0 {
		t.Fatal("dispatch must be deferred while facts are missing")
	}
	if !strings.HasPrefix(out.Response, DisclosureMessage) {
		t.Fatalf("deferral must still disclose: %q", out.Response)
	}
	if !strings.Contains(out.Response, "I'll need your name and phone number.") {
		t.Fatalf("prompt wrong: %q", out.Response)
	}
}

func TestEscalatePromptNamesOnlyMissingField(t *testing.T) {
	o := NewOrchestrator(&fakeDispatcher{}, discardLogger())

	out := o.Escalate(context.Background(), Facts{FactName: "Bob"}, "issue")
	if !strings.Contains(out.Response, "I'll need your phone number.") {
		t.Fatalf("prompt = %q, want phone number only", out.Response)
	}
	if strings.Contains(out.Response, "name and") {
		t.Fatalf("prompt mentions name although known: %q", out.Response)
	}
}

func TestEscalateDispatchFailureStaysPending(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("queue unreachable")}
	o := NewOrchestrator(d, discardLogger())

	facts := Facts{FactName: "Bob", FactContact: "5551234567"}
	out := o.Escalate(context.Background(), facts, "cancel my policy")

	if out.Dispatched {
		t.Fatal("failed dispatch reported as dispatched")
	}
	if !out.Pending {
		t.Fatal("failed dispatch must leave escalation pending")
	}
	if !strings.Contains(out.Response, "trouble reaching a specialist") {
		t.Fatalf("failure message missing: %q", out.Response)
	}
}
